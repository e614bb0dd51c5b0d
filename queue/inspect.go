package queue

import (
	"sort"
)

type PublisherInfo struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
	Initiated bool   `json:"initiated"`
}

type SubscriberInfo struct {
	Reference string          `json:"reference"`
	URL       string          `json:"url"`
	State     SubscriberState `json:"state"`
	Initiated bool            `json:"initiated"`
	Batches   int64           `json:"batches"`
	Processed int64           `json:"processed"`
	Failed    int64           `json:"failed"`
}

type Inspector interface {
	ListPublishers() []PublisherInfo
	ListSubscribers() []SubscriberInfo
}

var _ Inspector = (*queue)(nil)

func (s *queue) ListPublishers() []PublisherInfo {
	pubs := s.publishers()
	out := make([]PublisherInfo, 0, len(pubs))
	for _, p := range pubs {
		info := PublisherInfo{Reference: p.Ref(), Initiated: p.Initiated()}
		if impl, ok := p.(*publisher); ok {
			info.URL = impl.url
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

func (s *queue) ListSubscribers() []SubscriberInfo {
	subs := s.subscribers()
	out := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		m := sub.Metrics()
		out = append(out, SubscriberInfo{
			Reference: sub.Ref(),
			URL:       sub.URI(),
			State:     sub.State(),
			Initiated: sub.Initiated(),
			Batches:   m.Batches(),
			Processed: m.Processed(),
			Failed:    m.Failed(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}
