package cm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tsbuild/internal/fabric"
)

type flakyTransport struct {
	failuresRemaining int
	dials             int
}

func (t *flakyTransport) Dial(ctx context.Context, addr string, connIndex uint16, privateData [16]byte) (fabric.Conn, error) {
	t.dials++
	if t.failuresRemaining > 0 {
		t.failuresRemaining--
		return nil, errors.New("connection rejected")
	}
	return nil, nil
}

func (t *flakyTransport) Listen(addr string) (fabric.Listener, error) {
	return nil, errors.New("not implemented")
}

func Test_Manager_Connect_RetriesUntilSuccess(t *testing.T) {
	tr := &flakyTransport{failuresRemaining: 3}
	m := New(tr)

	_, err := m.Connect(context.Background(), "cn0", "127.0.0.1:0", 0, [16]byte{})
	require.NoError(t, err)
	require.Equal(t, 4, tr.dials)
}

func Test_Manager_Connect_GivesUpAfterMaxAttempts(t *testing.T) {
	tr := &flakyTransport{failuresRemaining: 100}
	m := New(tr)

	_, err := m.Connect(context.Background(), "cn0", "127.0.0.1:0", 0, [16]byte{})
	require.Error(t, err)
	require.Equal(t, maxConnectAttempts, tr.dials)
}

func Test_Manager_Connect_PublishesLifecycleEvents(t *testing.T) {
	tr := &flakyTransport{failuresRemaining: 1}
	m := New(tr)

	_, err := m.Connect(context.Background(), "cn0", "127.0.0.1:0", 0, [16]byte{})
	require.NoError(t, err)

	var kinds []EventKind
	for {
		select {
		case ev := <-m.Events():
			kinds = append(kinds, ev.Kind)
		default:
			goto done
		}
	}
done:
	require.Contains(t, kinds, EventAddressResolved)
	require.Contains(t, kinds, EventRejected)
	require.Contains(t, kinds, EventEstablished)
}
