package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netsim-labs/stp/config"
	"github.com/netsim-labs/stp/lib"
)

func main() {
	port := flag.Int("port", 8901, "Service port")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	flag.Parse()

	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	simNet := lib.NewSimNet(cfg.Channel)
	defer simNet.Close()

	if cfg.TraceFile != "" {
		tracer, err := lib.NewTracer(cfg.TraceFile)
		if err != nil {
			log.Fatalln("Trace file error:", err)
		}
		defer tracer.Close()
		simNet.SetTrace(tracer)
	}

	serverCh, err := simNet.Attach("server")
	if err != nil {
		log.Fatalln(err)
	}
	clientCh, err := simNet.Attach("client")
	if err != nil {
		log.Fatalln(err)
	}

	serverCore, err := lib.NewCore(serverCh, cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer serverCore.Close()
	clientCore, err := lib.NewCore(clientCh, cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer clientCore.Close()

	srv, err := serverCore.Listen(uint16(*port))
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	log.Printf("Echo server listening on port %d\n", *port)

	go func() {
		for {
			conn, err := srv.Accept()
			if err != nil {
				log.Println("Accept error:", err)
				return
			}
			log.Printf("New connection: %s\n", conn.Key())
			go handleConn(conn, cfg.MSS)
		}
	}()

	conn, err := clientCore.Dial("server", uint16(*port))
	if err != nil {
		fmt.Println("Error connecting:", err)
		return
	}
	fmt.Println("Echo client connected to server!")
	fmt.Printf("Sending packets at %v interval (press Ctrl+C to exit)...\n", *packetInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

	buffer := make([]byte, cfg.MSS)
	packetCount := 0
	successCount := 0

loop:
	for {
		select {
		case <-sigChan:
			break loop
		case <-ticker.C:
			packetCount++
			message := fmt.Sprintf("Echo message %d", packetCount)
			if _, err := conn.Write([]byte(message)); err != nil {
				log.Println("Write error:", err)
				break loop
			}
			n, err := conn.Read(buffer)
			if err != nil {
				log.Println("Read error:", err)
				break loop
			}
			if string(buffer[:n]) == message {
				successCount++
				fmt.Printf("Echoed: %s\n", buffer[:n])
			} else {
				fmt.Printf("Mismatch: sent %q, got %q\n", message, buffer[:n])
			}
		}
	}

	_ = conn.Close()
	snap := conn.Metrics().Snapshot()
	fmt.Printf("\n%d/%d echoes succeeded\n", successCount, packetCount)
	fmt.Printf("Segments sent: %d, retransmissions: %d, duplicate ACKs seen: %d\n",
		snap.SegmentsSent, snap.Retransmissions, snap.DuplicateAcks)
}

func handleConn(c *lib.Connection, mss int) {
	defer c.Close()
	buf := make([]byte, mss)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Println("Connection closed by client")
				return
			}
			log.Println("Read error:", err)
			return
		}
		if _, err = c.Write(buf[:n]); err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
