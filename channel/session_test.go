package channel

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelSessionSetTopicsReplacesWholesale(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewChannelSession("s1", server, slog.Default())
	defer s.Close()

	s.SetTopics([]string{"a", "b"})
	require.True(t, s.HasTopic("a"))
	require.True(t, s.HasTopic("b"))

	s.SetTopics([]string{"c"})
	require.False(t, s.HasTopic("a"))
	require.True(t, s.HasTopic("c"))
}

func TestChannelSessionSendAfterCloseErrors(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewChannelSession("s1", server, slog.Default())
	s.Close()

	err := s.Send(NewFrame(TypeHeartbeat, "x", ResultSuccess, nil))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestChannelSessionRunDeliversFrames(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := NewChannelSession("s1", server, slog.Default())
	defer s.Close()

	received := make(chan Frame, 1)
	go s.run(func(_ *ChannelSession, f Frame) { received <- f })

	require.NoError(t, WriteFrame(client, NewFrame(TypeHeartbeat, "hb", ResultSuccess, []byte("0"))))

	select {
	case f := <-received:
		require.Equal(t, "hb", f.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}
}
