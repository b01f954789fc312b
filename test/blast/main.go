package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/netsim-labs/stp/config"
	"github.com/netsim-labs/stp/lib"
)

// blast pushes a configurable amount of data through one connection over a
// deliberately bad channel and reports what the protocol had to do to get it
// across intact.
func main() {
	port := flag.Int("port", 8902, "Service port")
	size := flag.Int("size", 1<<20, "Bytes to transfer")
	loss := flag.Float64("loss", 0.1, "Channel loss rate")
	dup := flag.Float64("dup", 0.02, "Channel duplication rate")
	jitter := flag.Int("jitter", 5, "Reorder jitter in ms")
	trace := flag.String("trace", "", "pcap trace output path")
	flag.Parse()

	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	cfg.Channel.LossRate = *loss
	cfg.Channel.DuplicationRate = *dup
	cfg.Channel.ReorderJitterMs = *jitter
	if err := cfg.Validate(); err != nil {
		log.Fatalln("Configuration error:", err)
	}

	simNet := lib.NewSimNet(cfg.Channel)
	defer simNet.Close()

	if *trace != "" {
		tracer, err := lib.NewTracer(*trace)
		if err != nil {
			log.Fatalln("Trace file error:", err)
		}
		defer tracer.Close()
		simNet.SetTrace(tracer)
		log.Printf("Writing pcap trace to %s\n", *trace)
	}

	senderCh, err := simNet.Attach("sender")
	if err != nil {
		log.Fatalln(err)
	}
	receiverCh, err := simNet.Attach("receiver")
	if err != nil {
		log.Fatalln(err)
	}

	senderCore, err := lib.NewCore(senderCh, cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer senderCore.Close()
	receiverCore, err := lib.NewCore(receiverCh, cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer receiverCore.Close()

	srv, err := receiverCore.Listen(uint16(*port))
	if err != nil {
		log.Fatalln("Listen error:", err)
	}

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan []byte, 1)
	go func() {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			done <- nil
			return
		}
		received, err := io.ReadAll(conn)
		if err != nil {
			log.Println("Receive error:", err)
			done <- nil
			return
		}
		_ = conn.Close()
		done <- received
	}()

	conn, err := senderCore.Dial("receiver", uint16(*port))
	if err != nil {
		log.Fatalln("Dial error:", err)
	}

	start := time.Now()
	if _, err := conn.Write(payload); err != nil {
		log.Fatalln("Write error:", err)
	}
	if err := conn.Close(); err != nil {
		log.Fatalln("Close error:", err)
	}

	received := <-done
	elapsed := time.Since(start)

	if received == nil {
		log.Fatalln("Transfer failed")
	}
	if !bytes.Equal(received, payload) {
		log.Fatalf("Transfer corrupted: sent %d bytes, received %d\n", len(payload), len(received))
	}

	snap := conn.Metrics().Snapshot()
	fmt.Printf("Transferred %d bytes intact in %s (%.1f KiB/s)\n",
		len(payload), elapsed.Round(time.Millisecond), float64(len(payload))/1024/elapsed.Seconds())
	fmt.Printf("Data segments sent:   %d\n", snap.SegmentsSent)
	fmt.Printf("Retransmissions:      %d (%d fast, %d on timeout)\n",
		snap.Retransmissions, snap.FastRetransmits, snap.Timeouts)
	fmt.Printf("Duplicate ACKs seen:  %d\n", snap.DuplicateAcks)
}
