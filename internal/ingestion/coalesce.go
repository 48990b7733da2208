package ingestion

// Coalesce reduces a list of validated events to at most one winner per
// eventId, using receive-time ordering.
//
// For each group of events sharing an eventId, the one with the maximal
// ReceivedTime wins; ties are broken by keeping the one seen later in input
// order. Every non-winner increments the returned dedup count.
//
// Winners are returned in first-appearance order of their keys, but callers
// must not rely on any ordering guarantee. This stage runs entirely in
// memory and has no failure mode.
func Coalesce(events []*MachineEvent) ([]*MachineEvent, int) {
	if len(events) == 0 {
		return nil, 0
	}

	winners := make(map[string]*MachineEvent, len(events))
	order := make([]string, 0, len(events))

	for _, event := range events {
		current, seen := winners[event.EventID]
		if !seen {
			winners[event.EventID] = event
			order = append(order, event.EventID)

			continue
		}

		// Later input wins ties: replace unless strictly older.
		if !event.ReceivedTime.Before(current.ReceivedTime) {
			winners[event.EventID] = event
		}
	}

	result := make([]*MachineEvent, 0, len(order))
	for _, id := range order {
		result = append(result, winners[id])
	}

	return result, len(events) - len(result)
}
