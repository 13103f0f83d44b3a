// Package metrics exposes Prometheus collectors for comment client
// activity. All methods are safe to call on a nil *Collector, which
// disables collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nicolive"

// Post results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultDropped  = "dropped"
	ResultOK       = "ok"
	ResultError    = "error"
)

// Collector holds the client's metrics.
type Collector struct {
	// RoomsConnected tracks the number of rooms with an open connection.
	RoomsConnected prometheus.Gauge

	// RoomDisconnects counts room disconnects by reason.
	RoomDisconnects *prometheus.CounterVec

	// ChatsReceived counts received chats by room and sender kind.
	ChatsReceived *prometheus.CounterVec

	// CommentsPosted counts post outcomes by room and result.
	CommentsPosted *prometheus.CounterVec

	// PostStatus counts chat_result statuses of failed posts.
	PostStatus *prometheus.CounterVec

	// PostKeyFetches counts postkey fetches by result.
	PostKeyFetches *prometheus.CounterVec

	// OwnerComments counts owner comment submissions by result.
	OwnerComments *prometheus.CounterVec

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState *prometheus.GaugeVec
}

// NewCollector creates the collectors and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		RoomsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_connected",
			Help:      "Number of comment rooms with an open connection",
		}),
		RoomDisconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_disconnects_total",
			Help:      "Room disconnects by reason",
		}, []string{"reason"}),
		ChatsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chats_received_total",
			Help:      "Received chats by room and sender kind",
		}, []string{"room", "kind"}),
		CommentsPosted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comments_posted_total",
			Help:      "Posted comments by room and result",
		}, []string{"room", "result"}),
		PostStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_failures_total",
			Help:      "Failed post attempts by chat_result status",
		}, []string{"status"}),
		PostKeyFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postkey_fetches_total",
			Help:      "Postkey fetches by result",
		}, []string{"result"}),
		OwnerComments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "owner_comments_total",
			Help:      "Owner comment submissions by result",
		}, []string{"result"}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"component"}),
	}
}

// RoomConnected records a room connection.
func (c *Collector) RoomConnected() {
	if c == nil {
		return
	}
	c.RoomsConnected.Inc()
}

// RoomDisconnected records a room disconnect.
func (c *Collector) RoomDisconnected(reason string) {
	if c == nil {
		return
	}
	c.RoomsConnected.Dec()
	c.RoomDisconnects.WithLabelValues(reason).Inc()
}

// ResetRooms zeroes the connected rooms gauge.
func (c *Collector) ResetRooms() {
	if c == nil {
		return
	}
	c.RoomsConnected.Set(0)
}

// ChatReceived records a received chat.
func (c *Collector) ChatReceived(room, kind string) {
	if c == nil {
		return
	}
	c.ChatsReceived.WithLabelValues(room, kind).Inc()
}

// CommentPosted records a post outcome.
func (c *Collector) CommentPosted(room, result string) {
	if c == nil {
		return
	}
	c.CommentsPosted.WithLabelValues(room, result).Inc()
}

// PostFailed records the status of a failed post attempt.
func (c *Collector) PostFailed(status string) {
	if c == nil {
		return
	}
	c.PostStatus.WithLabelValues(status).Inc()
}

// PostKeyFetched records a postkey fetch.
func (c *Collector) PostKeyFetched(err error) {
	if c == nil {
		return
	}
	c.PostKeyFetches.WithLabelValues(result(err)).Inc()
}

// OwnerCommentSent records an owner comment submission.
func (c *Collector) OwnerCommentSent(err error) {
	if c == nil {
		return
	}
	c.OwnerComments.WithLabelValues(result(err)).Inc()
}

// SetBreakerState records a circuit breaker state.
func (c *Collector) SetBreakerState(component string, state int) {
	if c == nil {
		return
	}
	c.CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
