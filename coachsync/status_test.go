package coachsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusDerivation(t *testing.T) {
	cases := []struct {
		name      string
		online    bool
		syncing   bool
		pending   int
		conflicts int
		exhausted bool
		want      Status
	}{
		{name: "offline beats everything", online: false, syncing: true, conflicts: 3, want: StatusOffline},
		{name: "offline with pending work", online: false, pending: 2, want: StatusOffline},
		{name: "cycle in progress", online: true, syncing: true, want: StatusSyncing},
		{name: "syncing beats error", online: true, syncing: true, conflicts: 1, want: StatusSyncing},
		{name: "conflicted entity", online: true, conflicts: 1, want: StatusError},
		{name: "exhausted retries", online: true, pending: 1, exhausted: true, want: StatusError},
		{name: "queued but idle", online: true, pending: 1, want: StatusSyncing},
		{name: "clean", online: true, want: StatusSynced},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newStatusPublisher(tc.online, time.Time{})
			p.update(func(p *statusPublisher) {
				p.syncing = tc.syncing
				p.pending = tc.pending
				p.conflicts = tc.conflicts
				p.exhausted = tc.exhausted
			})
			snap := p.Snapshot()
			require.Equal(t, tc.want, snap.Status)
			require.Equal(t, tc.pending, snap.PendingCount)
			require.Equal(t, tc.online, snap.Online)
		})
	}
}

func TestStatusSubscribeNotifiesOnChangeOnly(t *testing.T) {
	p := newStatusPublisher(true, time.Time{})

	var snaps []StatusSnapshot
	cancel := p.Subscribe(func(s StatusSnapshot) { snaps = append(snaps, s) })
	defer cancel()

	// The current snapshot arrives immediately.
	require.Len(t, snaps, 1)
	require.Equal(t, StatusSynced, snaps[0].Status)

	p.setSyncing(true)
	require.Len(t, snaps, 2)
	require.Equal(t, StatusSyncing, snaps[1].Status)

	// A no-op update does not notify.
	p.setSyncing(true)
	require.Len(t, snaps, 2)

	p.setSyncing(false)
	p.setQueueState(0, 1, false)
	require.Equal(t, StatusError, snaps[len(snaps)-1].Status)
}

func TestStatusCancelStopsNotifications(t *testing.T) {
	p := newStatusPublisher(true, time.Time{})
	var count int
	cancel := p.Subscribe(func(StatusSnapshot) { count++ })
	require.Equal(t, 1, count)

	cancel()
	p.setOnline(false)
	require.Equal(t, 1, count)
}

func TestStatusLastSyncCarried(t *testing.T) {
	ts := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	p := newStatusPublisher(true, ts)
	require.True(t, p.Snapshot().LastSync.Equal(ts))

	later := ts.Add(time.Hour)
	p.setLastSync(later)
	require.True(t, p.Snapshot().LastSync.Equal(later))
}
