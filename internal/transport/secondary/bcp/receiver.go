package bcp

import "fmt"

// Receiver is the companion side of a session. It opens agent frames and
// produces encrypted acknowledgements.
type Receiver struct {
	session *Session
}

// NewReceiver wraps an established session.
func NewReceiver(s *Session) *Receiver {
	return &Receiver{session: s}
}

// Accept opens a frame of type t. On success it returns the body and an
// encrypted response frame acknowledging the frame's sequence number.
// A frame that fails authentication returns ErrDecrypt and no ack.
func (r *Receiver) Accept(t MessageType, frame []byte) (body, ack []byte, err error) {
	seq, body, err := r.session.Open(t, frame)
	if err != nil {
		return nil, nil, err
	}
	ack, err = r.session.Seal(TypeResponse, seq, []byte{StatusOK})
	if err != nil {
		return nil, nil, fmt.Errorf("bcp: sealing ack: %w", err)
	}
	return body, ack, nil
}

// Command seals a hub command for delivery to the agent.
func (r *Receiver) Command(seq uint32, body []byte) ([]byte, error) {
	return r.session.Seal(TypeCommand, seq, body)
}

// Ack is a decoded acknowledgement.
type Ack struct {
	Seq    uint32
	Status byte
}

// OpenAck decodes a response frame sent by a Receiver.
func OpenAck(s *Session, frame []byte) (Ack, error) {
	seq, body, err := s.Open(TypeResponse, frame)
	if err != nil {
		return Ack{}, err
	}
	if len(body) < 1 {
		return Ack{}, fmt.Errorf("%w: empty ack body", ErrShortFrame)
	}
	return Ack{Seq: seq, Status: body[0]}, nil
}

