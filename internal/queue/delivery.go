package queue

// fatalStatuses are HTTP response codes for which a redelivery attempt is
// pointless: the remote has told us definitively that this request will
// never succeed.
var fatalStatuses = map[int]bool{
	400: true, 404: true, 405: true, 410: true, 422: true,
}

// TimeoutStatus is the sentinel p_status value recorded when an attempt
// failed by timing out, distinguishing it from other transport errors (a
// negative status) for the double-penalty rule below.
const TimeoutStatus = 599

// ClassifyDeliveryStatus maps an output item's outcome (an HTTP status, or a
// negative value for a transport-level failure) and its previously recorded
// status to a dispatch Outcome, per the retry policy: the listed fatal
// statuses and any negative transport code drop the item outright;
// everything else is retried, with a double retry-count penalty when the
// same timeout/client-closed code (599) repeats back-to-back.
func ClassifyDeliveryStatus(status, priorStatus int) Outcome {
	if status >= 200 && status < 300 {
		return OutcomeDone
	}
	if status < 0 || fatalStatuses[status] {
		return OutcomeDone
	}
	if status == TimeoutStatus && priorStatus == TimeoutStatus {
		return OutcomeRetryDoublePenalty
	}
	return OutcomeRetry
}
