package notify

type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	topic      string
	handler    Handler
}

func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers := d.handlers[s.topic]
	newList := make([]*subs, 0, len(handlers))

	for _, h := range handlers {
		if h != s {
			newList = append(newList, h)
		}
	}

	d.handlers[s.topic] = newList
}
