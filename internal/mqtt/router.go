package mqtt

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Kind names an inbound topic shape
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindAck       Kind = "ack"
	KindStatus    Kind = "status"
)

// Handler processes one inbound message for the sensor or device id taken from its topic
type Handler func(id string, payload []byte)

// Handlers binds a handler to each topic shape. Nil handlers are not subscribed.
type Handlers struct {
	Telemetry Handler
	Ack       Handler
	Status    Handler
}

// Subscriber is the transport side of the router
type Subscriber interface {
	Subscribe(filter string, qos byte, handler MessageHandler) error
}

type route struct {
	kind    Kind
	filter  string
	handler Handler
}

// Router is the static routing table for inbound topics. Every message is
// handled on its own goroutine.
type Router struct {
	prefix  string
	routes  map[Kind]route
	order   []Kind
	logger  *log.Logger
	observe func(Kind)
	wg      sync.WaitGroup
}

// NewRouter builds the routing table for namespace
func NewRouter(namespace string, h Handlers, logger *log.Logger) *Router {
	r := &Router{
		prefix: namespace + "/",
		routes: make(map[Kind]route),
		logger: logger,
	}

	for _, rt := range []route{
		{KindTelemetry, SensorFilter(namespace), h.Telemetry},
		{KindAck, AckFilter(namespace), h.Ack},
		{KindStatus, StatusFilter(namespace), h.Status},
	} {
		if rt.handler == nil {
			continue
		}
		r.routes[rt.kind] = rt
		r.order = append(r.order, rt.kind)
	}
	return r
}

// OnMessage registers a callback invoked for every routed message
func (r *Router) OnMessage(observe func(Kind)) {
	r.observe = observe
}

// Subscribe subscribes every route with QoS 1
func (r *Router) Subscribe(s Subscriber) error {
	for _, k := range r.order {
		if err := s.Subscribe(r.routes[k].filter, 1, r.Dispatch); err != nil {
			return fmt.Errorf("failed to subscribe %s route: %w", k, err)
		}
	}
	return nil
}

// Match resolves topic to its shape and the sensor or device id it carries
func (r *Router) Match(topic string) (Kind, string, bool) {
	if !strings.HasPrefix(topic, r.prefix) {
		return "", "", false
	}

	segments := strings.Split(strings.TrimPrefix(topic, r.prefix), "/")
	var kind Kind
	switch {
	case len(segments) == 2 && segments[0] == "sensors":
		kind = KindTelemetry
	case len(segments) == 3 && segments[0] == "devices" && segments[2] == "ack":
		kind = KindAck
	case len(segments) == 3 && segments[0] == "devices" && segments[2] == "status":
		kind = KindStatus
	default:
		return "", "", false
	}

	id := segments[1]
	if !validSegment(id) {
		return "", "", false
	}
	if _, ok := r.routes[kind]; !ok {
		return "", "", false
	}
	return kind, id, true
}

// Dispatch routes one inbound message. It does not wait for the handler.
func (r *Router) Dispatch(topic string, payload []byte) {
	kind, id, ok := r.Match(topic)
	if !ok {
		if r.logger != nil {
			r.logger.Printf("[MQTT Router] No route for topic %s", topic)
		}
		return
	}

	if r.observe != nil {
		r.observe(kind)
	}

	handler := r.routes[kind].handler
	data := append([]byte(nil), payload...)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		handler(id, data)
	}()
}

// Wait blocks until every routed message has been handled
func (r *Router) Wait() {
	r.wg.Wait()
}
