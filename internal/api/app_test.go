package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/huddlechat/huddle/internal/database"
)

func TestRoutes(t *testing.T) {
	tcases := []struct {
		name         string
		method       string
		path         string
		expectedCode int
	}{
		{
			name:         "health check is public",
			method:       http.MethodGet,
			path:         "/healthz",
			expectedCode: http.StatusOK,
		},
		{
			name:         "rooms require a session",
			method:       http.MethodGet,
			path:         "/api/rooms",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "messages require a session",
			method:       http.MethodGet,
			path:         "/api/rooms/1/messages",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "websocket requires a session",
			method:       http.MethodGet,
			path:         "/ws",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "unknown route",
			method:       http.MethodGet,
			path:         "/api/unknown",
			expectedCode: http.StatusNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			db.On("Ping").Return(nil)
			app := newTestApp(t, db)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, nil)
			app.mux.Handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
		})
	}
}
