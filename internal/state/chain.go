package state

import "watchsync/internal/models"

// Chain rebases successive writes of one record made by this device, whether sent live
// or replayed from the outbox. A mutation that
// shares its basis with the accepted mutation before it was made on top of that one, so
// it goes out on the predecessor's new timestamp instead of conflicting with it.
type Chain struct {
	prevBasis    int64
	prevAccepted *models.Record
}

// Next returns m as it should be sent.
func (ch *Chain) Next(m models.Mutation) models.Mutation {
	basis := m.ClientUpdatedAt
	if ch.prevAccepted != nil && !m.Force && basis == ch.prevBasis {
		m.ClientUpdatedAt = ch.prevAccepted.UpdatedAt
	}
	ch.prevBasis = basis
	ch.prevAccepted = nil
	return m
}

// Accepted records the server's answer to the mutation last returned by Next.
func (ch *Chain) Accepted(rec models.Record) {
	ch.prevAccepted = &rec
}
