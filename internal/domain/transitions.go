package domain

import "time"

type Event string

const (
	EventSubmit            Event = "SUBMIT"
	EventAccept            Event = "ACCEPT"
	EventDecline           Event = "DECLINE"
	EventPaymentAuthorized Event = "PAYMENT_AUTHORIZED"
	EventPaymentCaptured   Event = "PAYMENT_CAPTURED"
	EventPaymentFailed     Event = "PAYMENT_FAILED"
	EventComplete          Event = "COMPLETE"
	EventCancel            Event = "CANCEL"
	EventExpire            Event = "EXPIRE"
)

type Party string

const (
	PartyRequester Party = "requester"
	PartyProvider  Party = "provider"
)

// Effect is a side-effect request produced by a transition.
type Effect struct {
	Notify   Party
	Template string
}

const (
	TemplateBookingDeclined  = "booking_declined"
	TemplateBookingConfirmed = "booking_confirmed"
	TemplateBookingCancelled = "booking_cancelled"
	TemplateBookingExpired   = "booking_expired"
	TemplateBookingCompleted = "booking_completed"
	TemplatePaymentDeclined  = "payment_declined"
	TemplateBookingReminder  = "booking_reminder"
)

var transitions = map[Status]map[Event]Status{
	StatusRequested: {
		EventSubmit: StatusPendingProviderDecision,
	},
	StatusPendingProviderDecision: {
		EventAccept:  StatusAccepted,
		EventDecline: StatusDeclined,
	},
	StatusAccepted: {
		EventPaymentAuthorized: StatusAwaitingPayment,
		EventPaymentFailed:     StatusPaymentFailed,
	},
	StatusAwaitingPayment: {
		EventPaymentCaptured: StatusConfirmed,
		EventPaymentFailed:   StatusPaymentFailed,
	},
	StatusConfirmed: {
		EventComplete: StatusCompleted,
	},
}

var effects = map[Status][]Effect{
	StatusDeclined: {
		{Notify: PartyRequester, Template: TemplateBookingDeclined},
	},
	StatusConfirmed: {
		{Notify: PartyRequester, Template: TemplateBookingConfirmed},
		{Notify: PartyProvider, Template: TemplateBookingConfirmed},
	},
	StatusPaymentFailed: {
		{Notify: PartyRequester, Template: TemplatePaymentDeclined},
		{Notify: PartyProvider, Template: TemplateBookingCancelled},
	},
	StatusCompleted: {
		{Notify: PartyRequester, Template: TemplateBookingCompleted},
		{Notify: PartyProvider, Template: TemplateBookingCompleted},
	},
	StatusCancelled: {
		{Notify: PartyRequester, Template: TemplateBookingCancelled},
		{Notify: PartyProvider, Template: TemplateBookingCancelled},
	},
	StatusExpired: {
		{Notify: PartyRequester, Template: TemplateBookingExpired},
		{Notify: PartyProvider, Template: TemplateBookingExpired},
	},
}

// Next is the booking lifecycle transition function. It performs no I/O.
func Next(current Status, ev Event) (Status, []Effect, error) {
	if current.Terminal() {
		return current, nil, &InvalidTransitionError{State: current, Event: ev}
	}

	var next Status
	switch ev {
	case EventCancel:
		next = StatusCancelled
	case EventExpire:
		next = StatusExpired
	default:
		to, ok := transitions[current][ev]
		if !ok {
			return current, nil, &InvalidTransitionError{State: current, Event: ev}
		}
		next = to
	}

	out := make([]Effect, len(effects[next]))
	copy(out, effects[next])
	return next, out, nil
}

// Apply runs ev against b and returns the resulting booking with its saga
// version advanced. b itself is left untouched.
func (b Booking) Apply(ev Event, at time.Time) (Booking, []Effect, error) {
	next, eff, err := Next(b.Status, ev)
	if err != nil {
		return b, nil, err
	}
	b.Status = next
	b.SagaVersion++
	b.UpdatedAt = at
	return b, eff, nil
}
