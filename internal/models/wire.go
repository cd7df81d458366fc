package models

// Wire shapes exchanged with the authoritative backend. Timestamps travel as
// strings and are parsed leniently on the engine side.

type ReservedRangesResponse struct {
	HabitationID string             `json:"habitation_id,omitempty"`
	Reservations []RawReservedRange `json:"reservations"`
}

type CreateReservationPayload struct {
	UserID       string `json:"user_id"`
	HabitationID string `json:"habitation_id"`
	CheckIn      string `json:"check_in"`
	CheckOut     string `json:"check_out"`
}

type CreateReservationResponse struct {
	ID              string            `json:"id"`
	Status          ReservationStatus `json:"status"`
	PaymentDeadline string            `json:"payment_deadline,omitempty"`
}

type ConflictResponse struct {
	Error     string             `json:"error"`
	Conflicts []RawReservedRange `json:"conflicts"`
}

type ExpirationResponse struct {
	StillPending bool              `json:"still_pending"`
	Status       ReservationStatus `json:"status"`
}

type StatusResponse struct {
	Status ReservationStatus `json:"status"`
}

type UserReservation struct {
	ID              string            `json:"id"`
	HabitationID    string            `json:"habitation_id"`
	CheckIn         string            `json:"check_in"`
	CheckOut        string            `json:"check_out"`
	Status          ReservationStatus `json:"status"`
	PaymentDeadline string            `json:"payment_deadline,omitempty"`
}

type UserReservationsResponse struct {
	UserID       string            `json:"user_id"`
	Reservations []UserReservation `json:"reservations"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
