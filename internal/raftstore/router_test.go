package raftstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

func TestRouterMailboxBackpressure(t *testing.T) {
	r := newRouter(8)
	defer r.close()

	p := &Peer{regionID: 7}
	r.register(p, 2)

	require.NoError(t, r.Send(7, Message{Type: MsgTypeTick, RegionID: 7}))
	require.NoError(t, r.Send(7, Message{Type: MsgTypeTick, RegionID: 7}))
	require.ErrorIs(t, r.Send(7, Message{Type: MsgTypeTick, RegionID: 7}), ErrMailboxFull)

	require.ErrorIs(t, r.Send(8, Message{Type: MsgTypeTick, RegionID: 8}), ErrRegionNotFound)

	r.unregister(7)
	require.ErrorIs(t, r.Send(7, Message{Type: MsgTypeTick, RegionID: 7}), ErrRegionNotFound)
}

func TestRouterStoreFallback(t *testing.T) {
	r := newRouter(2)
	defer r.close()

	require.NoError(t, r.sendStore(Message{Type: MsgTypeRaftMessage, RegionID: 42}))
	require.NoError(t, r.sendStore(Message{Type: MsgTypeRaftMessage, RegionID: 42}))
	require.ErrorIs(t, r.sendStore(Message{Type: MsgTypeRaftMessage, RegionID: 42}), ErrMailboxFull)

	msg := <-r.storeCh
	require.Equal(t, regionpkg.ID(42), msg.RegionID)
}

func TestTaskQueueOrderAndCloseDrain(t *testing.T) {
	q := newTaskQueue()
	q.push(applyTask{regionID: 1})
	q.push(applyTask{regionID: 2})
	q.push(applyTask{regionID: 3})
	q.close()

	// Already queued work survives close so pending entries still apply.
	for want := regionpkg.ID(1); want <= 3; want++ {
		task, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, want, task.regionID)
	}
	_, ok := q.pop()
	require.False(t, ok)

	// Pushes after close are dropped.
	q.push(applyTask{regionID: 4})
	_, ok = q.pop()
	require.False(t, ok)
}
