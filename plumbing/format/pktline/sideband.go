package pktline

import (
	"fmt"
	"io"
)

// Sideband channel identifiers, carried as the first byte of a normal
// packet's payload once the side-band or side-band-64k capability is in
// effect.
const (
	SidebandPackData  byte = 1
	SidebandProgress  byte = 2
	SidebandFatal     byte = 3
)

// ErrFatalChannel wraps a message received on the sideband fatal-error
// channel (channel 3).
type ErrFatalChannel struct {
	Message string
}

func (e *ErrFatalChannel) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// DemuxSideband reads normal packets from r until a flush or EOF, routing
// channel-1 bytes to pack, channel-2 bytes to progress, and failing on the
// first channel-3 packet. progress may be nil, in which case channel-2
// bytes are discarded. It does not block pack on progress: callers that
// need concurrent delivery should run DemuxSideband in its own goroutine
// writing into a pipe that feeds the pack consumer, per the concurrency
// model described for the sideband demultiplexer.
func DemuxSideband(r io.Reader, pack, progress io.Writer) error {
	pr := NewReader(r)
	for {
		kind, _, payload, err := pr.Read()
		if err != nil {
			return err
		}
		switch kind {
		case EOF, Flush:
			return nil
		case Delim, ResponseEnd:
			continue
		case Normal:
			if len(payload) == 0 {
				continue
			}
			channel, data := payload[0], payload[1:]
			switch channel {
			case SidebandPackData:
				if pack != nil {
					if _, err := pack.Write(data); err != nil {
						return err
					}
				}
			case SidebandProgress:
				if progress != nil {
					if _, err := progress.Write(data); err != nil {
						return err
					}
				}
			case SidebandFatal:
				return &ErrFatalChannel{Message: string(data)}
			default:
				// Unknown channel: a misbehaving peer. Treat as pack data,
				// mirroring the historical git client's leniency here.
				if pack != nil {
					if _, err := pack.Write(data); err != nil {
						return err
					}
				}
			}
		}
	}
}
