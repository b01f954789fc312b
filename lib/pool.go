package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice []byte
	Pool       *rp.RingPool
)

// InitPool sets up the shared payload chunk pool. Chunks are sized to hold one
// full MSS payload. Called once by NewCore; later calls are no-ops so that two
// cores sharing a process share the pool.
func InitPool(poolSize, mss int) {
	if Pool != nil {
		return
	}
	emptySlice = make([]byte, mss)
	Pool = rp.NewRingPool("STP: ", poolSize, NewPayload, mss)
}

// Payload is a pooled byte buffer backing one in-flight segment payload.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the chunk constructor handed to the ring pool.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: invalid number of parameters, want one: buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: buffer length parameter must be an int")
		return nil
	}

	if len(emptySlice) == 0 {
		emptySlice = make([]byte, bufferLength)
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent replaces the payload with s.
func (p *Payload) SetContent(s string) {
	p.payloadBytes = []byte(s)
	p.length = len(s)
}

// Reset clears the chunk before it goes back to the pool.
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the chunk content, used by the pool's debug tracing.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice (%d) is longer than chunk length (%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
