package decision

import "leadez/internal/domain"

// LeadSnapshot builds the snapshot of a single lead and its messages, for
// per-lead evaluation through BatchDecide.
func LeadSnapshot(lead domain.Lead, msgs []domain.Message, minConfidence int) domain.Snapshot {
	s := domain.NewSnapshot()
	s.MinConfidenceScore = minConfidence
	if lead.Status.Valid() {
		s.Leads[lead.Status] = 1
	}
	if lead.Status == domain.LeadEnriched {
		if lead.ConfidenceScore != nil && *lead.ConfidenceScore >= minConfidence {
			s.EnrichedQualified = 1
		} else {
			s.EnrichedBelow = 1
		}
	}
	for _, m := range msgs {
		if m.Status.Valid() {
			s.Messages[m.Status]++
		}
	}
	return s
}

var stagePriority = map[string]int{
	string(domain.LeadNew):         100,
	string(domain.LeadGenerated):   90,
	string(domain.LeadEnriched):    80,
	string(domain.LeadMessaged):    70,
	string(domain.MessageApproved): 60,
	string(domain.MessageFailed):   50,
	string(domain.MessageSent):     10,
}

// Priority scores how urgently an item should be processed. Earlier stages rank
// higher and each ten points of confidence add one. Unknown statuses score only
// the confidence boost.
func Priority(status string, confidence int) int {
	return stagePriority[status] + confidence/10
}

// ShouldProceed reports whether a lead and its latest message still need work.
// A message whose attempts are used up never proceeds, whatever its status.
func ShouldProceed(lead domain.LeadStatus, msg domain.MessageStatus, retryCount, maxRetries int) bool {
	switch {
	case msg == domain.MessageSent:
		return false
	case msg == domain.MessageRejected:
		return false
	case maxRetries > 0 && retryCount >= maxRetries:
		return false
	case lead != "" && !lead.Valid():
		return false
	}
	return true
}
