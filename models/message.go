package models

// Message is the pipeline input. PublicKey is only handed to the signature hook.
type Message struct {
	ID        VertexID   `json:"id"`
	Payload   []byte     `json:"payload"`
	Parents   []VertexID `json:"parents"`
	Timestamp uint64     `json:"timestamp"`
	PublicKey []byte     `json:"public_key,omitempty"`
}

func (m *Message) Vertex() *Vertex {
	return NewVertex(m.ID, m.Payload, m.Parents, m.Timestamp)
}

// MessageFromVertex is the reverse of Message.Vertex, without a public key
func MessageFromVertex(v *Vertex) *Message {
	return &Message{
		ID:        v.ID,
		Payload:   v.Payload,
		Parents:   v.Parents,
		Timestamp: v.Timestamp,
	}
}

// Checkpoint summarizes the frontier at a point in time
type Checkpoint struct {
	ID        string     `json:"id"`
	Tips      []VertexID `json:"tips"`
	Finalized int        `json:"finalized"`
	Timestamp int64      `json:"timestamp"` // unix timestamp in ms
}
