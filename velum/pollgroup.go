package velum

// PollGroup references a set of connections (spec §4.7): recv_on_poll_group
// dequeues up to N messages across all members, inter-member FIFO on
// delivery time, intra-member FIFO on send order (spec §4.7).
//
// Membership mutations and receive calls are serialized by the owning
// Instance's single lock (spec §5 "Membership mutations must be
// serialized with receive operations").
type PollGroup struct {
	id      uint32
	inst    *Instance
	members map[uint32]*Connection
}

// ReceiveMessages dequeues up to maxN messages across all member
// connections, oldest-arrival first (spec §6 `recv_on_poll_group`).
func (pg *PollGroup) ReceiveMessages(maxN int) []Message {
	pg.inst.mu.Lock()
	defer pg.inst.mu.Unlock()

	var out []Message
	for _, c := range pg.members {
		remaining := maxN - len(out)
		if maxN > 0 && remaining <= 0 {
			break
		}
		msgs := c.core.ReceiveMessages(remaining)
		for _, m := range msgs {
			out = append(out, wrapMessage(c, m))
		}
	}
	sortMessagesByRecvTime(out)
	if maxN > 0 && len(out) > maxN {
		out = out[:maxN]
	}
	return out
}

func sortMessagesByRecvTime(msgs []Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].RecvTime.After(msgs[j].RecvTime); j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

func (pg *PollGroup) add(c *Connection) {
	pg.members[c.core.ID] = c
}

func (pg *PollGroup) remove(c *Connection) {
	delete(pg.members, c.core.ID)
}
