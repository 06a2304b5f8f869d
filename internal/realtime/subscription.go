package realtime

// Subscription tracks what one subscriber has applied on one channel.
// Versions arrive from several paths (the initial snapshot, the local
// broadcaster, the cross-process relay) and may interleave, so anything not
// newer than LastSeenVersion is dropped.
type Subscription struct {
	SubscriberID    string
	Channel         string
	LastSeenVersion int64
}

func NewSubscription(subscriberID, channel string) *Subscription {
	return &Subscription{SubscriberID: subscriberID, Channel: channel, LastSeenVersion: -1}
}

// Accept reports whether version should be applied and records it if so.
func (s *Subscription) Accept(version int64) bool {
	if version <= s.LastSeenVersion {
		return false
	}
	s.LastSeenVersion = version
	return true
}
