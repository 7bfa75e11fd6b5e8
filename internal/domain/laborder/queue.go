package laborder

import "sort"

// Queue names served by the controller.
const (
	QueueCollection   = "collection"
	QueueWorklist     = "worklist"
	QueueVerification = "verification"
)

var queueStatuses = map[string][]Status{
	QueueCollection:   {StatusRegistered, StatusRejected},
	QueueWorklist:     {StatusSampleCollected, StatusProcessing},
	QueueVerification: {StatusPendingVerification},
}

// SortQueue orders orders for display in place: rejected samples first,
// then urgent before routine. Otherwise the input order is kept.
func SortQueue(orders []*Order) {
	rank := func(o *Order) int {
		r := 0
		if o.Status != StatusRejected {
			r += 2
		}
		if o.Priority != PriorityUrgent {
			r++
		}
		return r
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return rank(orders[i]) < rank(orders[j])
	})
}
