package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/train-ticket-booking/internal/config"
	"github.com/iliyamo/train-ticket-booking/internal/middleware"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
	"github.com/iliyamo/train-ticket-booking/internal/service"
	"github.com/iliyamo/train-ticket-booking/internal/utils"
)

// fakeCoordinator records the last request and answers with result.
type fakeCoordinator struct {
	result  service.Result
	booking service.BookingRequest
	refund  service.RefundRequest
	change  service.ChangeRequest
	wait    service.WaitlistRequest
	user    uint64
	id      uint64
}

func (f *fakeCoordinator) Book(_ context.Context, req service.BookingRequest) service.Result {
	f.booking = req
	return f.result
}

func (f *fakeCoordinator) Pay(_ context.Context, userID, id uint64) service.Result {
	f.user, f.id = userID, id
	return f.result
}

func (f *fakeCoordinator) Refund(_ context.Context, req service.RefundRequest) service.Result {
	f.refund = req
	return f.result
}

func (f *fakeCoordinator) Change(_ context.Context, req service.ChangeRequest) service.Result {
	f.change = req
	return f.result
}

func (f *fakeCoordinator) CancelOrder(_ context.Context, userID, id uint64) service.Result {
	f.user, f.id = userID, id
	return f.result
}

type fakeWaitlists struct{ fakeCoordinator }

func (f *fakeWaitlists) Create(_ context.Context, req service.WaitlistRequest) service.Result {
	f.wait = req
	return f.result
}

func (f *fakeWaitlists) Refund(_ context.Context, userID, id uint64) service.Result {
	f.user, f.id = userID, id
	return f.result
}

type fakeReads struct {
	order    *service.OrderView
	waitlist *service.WaitlistView
	rows     []model.CarriageAvailability
	err      error
	number   string
}

func (f *fakeReads) Order(context.Context, uint64, uint64) (*service.OrderView, error) {
	return f.order, f.err
}

func (f *fakeReads) OrderByNumber(_ context.Context, _ uint64, number string) (*service.OrderView, error) {
	f.number = number
	return f.order, f.err
}

func (f *fakeReads) Waitlist(context.Context, uint64, uint64) (*service.WaitlistView, error) {
	return f.waitlist, f.err
}

func (f *fakeReads) Availability(_ context.Context, it model.Itinerary) ([]model.CarriageAvailability, error) {
	return f.rows, f.err
}

func do(t *testing.T, h echo.HandlerFunc, method, target, body string, userID uint64, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != 0 {
		c.Set(middleware.CtxUserID, userID)
	}
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}
	require.NoError(t, h(c))
	return rec
}

const bookingBody = `{"train_id":1,"departure_stop_id":10,"arrival_stop_id":20,"travel_date":"2026-11-03",
	"passengers":[{"passenger_id":100,"ticket_type":"ADULT","carriage_type_id":3}]}`

func TestBookStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		result service.Result
		want   int
	}{
		{"created", service.Result{Status: service.StatusSuccess, OrderNumber: "N1"}, http.StatusCreated},
		{"sold out", service.Result{Status: service.StatusInsufficientStock}, http.StatusConflict},
		{"busy", service.Result{Status: service.StatusFailed, Busy: true}, http.StatusConflict},
		{"rejected", service.Result{Status: service.StatusFailed}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := &fakeCoordinator{result: tc.result}
			h := &OrderHandler{Booking: fc}
			rec := do(t, h.Book, http.MethodPost, "/v1/bookings", bookingBody, 7)
			assert.Equal(t, tc.want, rec.Code)

			var got service.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tc.result.Status, got.Status)
		})
	}
}

func TestBookPassesRequest(t *testing.T) {
	fc := &fakeCoordinator{result: service.Result{Status: service.StatusSuccess}}
	h := &OrderHandler{Booking: fc}
	do(t, h.Book, http.MethodPost, "/v1/bookings", bookingBody, 7)

	assert.Equal(t, uint64(7), fc.booking.UserID)
	assert.Equal(t, uint64(20), fc.booking.Itinerary.ArrivalStopID)
	assert.Equal(t, "2026-11-03", fc.booking.Itinerary.TravelDate.Format(model.DateLayout))
	require.Len(t, fc.booking.Passengers, 1)
	assert.Equal(t, model.TicketAdult, fc.booking.Passengers[0].TicketType)
	assert.Equal(t, uint64(3), fc.booking.Passengers[0].CarriageTypeID)
}

func TestBookRejectsBadInput(t *testing.T) {
	h := &OrderHandler{Booking: &fakeCoordinator{}}

	assert.Equal(t, http.StatusUnauthorized, do(t, h.Book, http.MethodPost, "/v1/bookings", bookingBody, 0).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h.Book, http.MethodPost, "/v1/bookings", `{`, 7).Code)

	badDate := strings.Replace(bookingBody, "2026-11-03", "03/11/2026", 1)
	assert.Equal(t, http.StatusBadRequest, do(t, h.Book, http.MethodPost, "/v1/bookings", badDate, 7).Code)

	sameStop := strings.Replace(bookingBody, `"arrival_stop_id":20`, `"arrival_stop_id":10`, 1)
	assert.Equal(t, http.StatusBadRequest, do(t, h.Book, http.MethodPost, "/v1/bookings", sameStop, 7).Code)
}

func TestOrderLifecycleRoutes(t *testing.T) {
	fc := &fakeCoordinator{result: service.Result{Status: service.StatusSuccess}}
	h := &OrderHandler{Payment: fc, Refunds: fc, Changes: fc, Cancels: fc}

	rec := do(t, h.Pay, http.MethodPost, "/", "", 7, "id", "55")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(55), fc.id)

	rec = do(t, h.Pay, http.MethodPost, "/", "", 7, "id", "abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Refund, http.MethodPost, "/", `{"ticket_ids":[3,4]}`, 7, "id", "55")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uint64{3, 4}, fc.refund.TicketIDs)
	assert.Equal(t, uint64(55), fc.refund.OrderID)

	change := `{"train_id":2,"departure_stop_id":11,"arrival_stop_id":21,"travel_date":"2026-11-04",
		"tickets":[{"ticket_id":3,"carriage_type_id":4}]}`
	rec = do(t, h.Change, http.MethodPost, "/", change, 7, "id", "55")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, uint64(2), fc.change.Itinerary.TrainID)
	assert.Equal(t, []service.ChangeTicket{{TicketID: 3, CarriageTypeID: 4}}, fc.change.Tickets)

	fc.id = 0
	rec = do(t, h.Cancel, http.MethodPost, "/", "", 7, "id", "56")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(56), fc.id)
}

func TestOrderReads(t *testing.T) {
	view := &service.OrderView{Order: &model.Order{ID: 5, Number: "N5", UserID: 7}, Tickets: []model.Ticket{}}
	reads := &fakeReads{order: view}
	h := &OrderHandler{Reads: reads}

	rec := do(t, h.Get, http.MethodGet, "/", "", 7, "id", "5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"order_number":"N5"`)

	rec = do(t, h.GetByNumber, http.MethodGet, "/", "", 7, "number", "N5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "N5", reads.number)

	reads.err = service.ErrOrderNotFound
	assert.Equal(t, http.StatusNotFound, do(t, h.Get, http.MethodGet, "/", "", 7, "id", "5").Code)
	reads.err = service.ErrNotOwner
	assert.Equal(t, http.StatusForbidden, do(t, h.Get, http.MethodGet, "/", "", 7, "id", "5").Code)
	reads.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, h.Get, http.MethodGet, "/", "", 7, "id", "5").Code)
}

func TestWaitlistRoutes(t *testing.T) {
	fw := &fakeWaitlists{fakeCoordinator{result: service.Result{Status: service.StatusSuccess}}}
	h := &WaitlistHandler{Waitlists: fw, Reads: &fakeReads{waitlist: &service.WaitlistView{Order: &model.WaitlistOrder{ID: 9}}}}

	rec := do(t, h.Create, http.MethodPost, "/v1/waitlists", bookingBody, 7)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, uint64(7), fw.wait.UserID)
	assert.Len(t, fw.wait.Passengers, 1)

	rec = do(t, h.Pay, http.MethodPost, "/", "", 7, "id", "9")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(9), fw.id)

	fw.result = service.Result{Status: service.StatusFailed, Message: "waitlist order is already cancelled"}
	rec = do(t, h.Refund, http.MethodPost, "/", "", 7, "id", "9")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Get, http.MethodGet, "/", "", 7, "id", "9")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"waitlist_order"`)
}

type fakePassengers struct{ ps []model.Passenger }

func (f fakePassengers) ListByUser(context.Context, uint64) ([]model.Passenger, error) { return f.ps, nil }

func TestBrowse(t *testing.T) {
	reads := &fakeReads{rows: []model.CarriageAvailability{{CarriageTypeID: 3, CarriageTypeName: "second class", PriceCents: 10000, AvailableSeats: 4}}}
	h := &BrowseHandler{Stock: reads, PassengerRepo: fakePassengers{}}

	rec := do(t, h.Availability, http.MethodGet,
		"/v1/stock?train_id=1&departure_stop_id=10&arrival_stop_id=20&travel_date=2026-11-03", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available_seats":4`)
	assert.Contains(t, rec.Body.String(), `"travel_date":"2026-11-03"`)

	rec = do(t, h.Availability, http.MethodGet, "/v1/stock?train_id=1", "", 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Passengers, http.MethodGet, "/v1/passengers", "", 7)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"passengers":[]}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("refused") })

	rec := do(t, Ready(map[string]Pinger{"mysql": ok, "redis": ok}), http.MethodGet, "/readyz", "", 0)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, Ready(map[string]Pinger{"mysql": ok, "redis": down}), http.MethodGet, "/readyz", "", 0)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"mysql":"ok","redis":"refused"}`, rec.Body.String())
}

type memUsers struct {
	byEmail map[string]model.User
	next    uint64
}

func (m *memUsers) Create(_ context.Context, email, password, role string, cost int) (uint64, error) {
	if _, ok := m.byEmail[email]; ok {
		return 0, repository.ErrEmailExists
	}
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	m.next++
	m.byEmail[email] = model.User{ID: m.next, Email: email, PasswordHash: hash, Role: role, IsActive: true}
	return m.next, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

type memTokens struct{ live map[string]uint64 }

func (m *memTokens) StoreRefresh(_ context.Context, userID uint64, hash string, _ time.Time) error {
	m.live[hash] = userID
	return nil
}

func (m *memTokens) ValidateRefresh(_ context.Context, hash string) (uint64, error) {
	id, ok := m.live[hash]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return id, nil
}

func (m *memTokens) RevokeByHash(_ context.Context, hash string) error {
	delete(m.live, hash)
	return nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID uint64) error {
	for h, id := range m.live {
		if id == userID {
			delete(m.live, h)
		}
	}
	return nil
}

func TestAuthFlow(t *testing.T) {
	cfg := config.Config{JWTSecret: "s", AccessTTLMin: 5, RefreshTTLDays: 1, BcryptCost: bcrypt.MinCost}
	users := &memUsers{byEmail: map[string]model.User{}}
	tokens := &memTokens{live: map[string]uint64{}}
	h := NewAuthHandler(cfg, users, tokens, nil)

	rec := do(t, h.Register, http.MethodPost, "/", `{"email":" Ann@Example.com ","password":"pw"}`, 0)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg authResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Equal(t, "ann@example.com", reg.User.Email)
	assert.Equal(t, RoleCustomer, reg.User.Role)

	rec = do(t, h.Register, http.MethodPost, "/", `{"email":"ann@example.com","password":"pw"}`, 0)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h.Login, http.MethodPost, "/", `{"email":"ann@example.com","password":"nope"}`, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h.Login, http.MethodPost, "/", `{"email":"ann@example.com","password":"pw"}`, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	var login authResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	claims, err := utils.ParseAccessToken("s", login.Access.Token)
	require.NoError(t, err)
	id, _ := claims.UserID()
	assert.Equal(t, reg.User.ID, id)

	rec = do(t, h.Refresh, http.MethodPost, "/", `{"refresh_token":"`+login.Refresh.Token+`"}`, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h.Refresh, http.MethodPost, "/", `{"refresh_token":"`+login.Refresh.Token+`"}`, 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "rotated token is revoked")

	rec = do(t, h.RefreshAccess, http.MethodPost, "/", `{"refresh_token":"`+reg.Refresh.Token+`"}`, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h.Logout, http.MethodPost, "/", `{"refresh_token":"`+reg.Refresh.Token+`"}`, 0)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, still := tokens.live[utils.HashRefreshRaw(reg.Refresh.Token)]
	assert.False(t, still)

	rec = do(t, h.Logout, http.MethodPost, "/", `{}`, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
