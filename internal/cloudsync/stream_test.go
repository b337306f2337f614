package cloudsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/models"
)

func TestCloseWithUndrainedEvents(t *testing.T) {
	const sent = 300
	flooded := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 1; i <= sent; i++ {
			evt := models.EventFor(models.Record{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "a"}, Value: models.Value{Favorite: i%2 == 0}, UpdatedAt: int64(i)})
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
		close(flooded)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "", "u1", "d1")
	stream, err := c.DialEvents(context.Background())
	require.NoError(t, err)
	select {
	case <-flooded:
	case <-time.After(5 * time.Second):
		t.Fatal("server never finished writing")
	}
	require.Eventually(t, func() bool { return len(stream.events) == cap(stream.events) }, 5*time.Second, 10*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- stream.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while the reader was blocked")
	}
	assert.NoError(t, stream.Close(), "second close is a no-op")
}
