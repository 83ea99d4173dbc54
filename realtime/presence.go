// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/heroiclabs/nakama-common/rtapi"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrChannelIDEmpty   = errors.New("channel id must not be empty")
	ErrPresenceEventNil = errors.New("presence event must not be nil")
)

type pendingLeaveKey struct {
	ChannelID string
	UserID    string
	SessionID string
}

// pendingLeave is a scheduled removal of one session presence. The map entry
// is the cancellation token: a timer callback that no longer finds itself
// registered under its key must not act.
type pendingLeave struct {
	key   pendingLeaveKey
	timer *time.Timer
}

// PresenceTracker reconciles the per-session join/leave stream of channel
// presence events into stable per-user online state. Session leaves are
// committed only after a grace period so quick reconnects do not surface as
// user-level leave/join pairs.
type PresenceTracker struct {
	sync.Mutex
	logger      *zap.Logger
	gracePeriod time.Duration

	// presencesByChannel maps channel ID -> user ID -> session ID -> presence.
	presencesByChannel map[string]map[string]map[string]*rtapi.UserPresence
	pendingLeaves      map[pendingLeaveKey]*pendingLeave
	count              *atomic.Int64

	joinListener  func(channelID string, presence *rtapi.UserPresence)
	leaveListener func(channelID string, presence *rtapi.UserPresence)
	readyListener func(channelID string)
}

func NewPresenceTracker(logger *zap.Logger, gracePeriod time.Duration) *PresenceTracker {
	return &PresenceTracker{
		logger:      logger,
		gracePeriod: gracePeriod,

		presencesByChannel: make(map[string]map[string]map[string]*rtapi.UserPresence),
		pendingLeaves:      make(map[pendingLeaveKey]*pendingLeave),
		count:              atomic.NewInt64(0),
	}
}

// SetJoinListener registers the callback fired when a user's first session
// joins a channel. Session-level churn below that never reaches it.
func (t *PresenceTracker) SetJoinListener(f func(channelID string, presence *rtapi.UserPresence)) {
	t.Lock()
	t.joinListener = f
	t.Unlock()
}

// SetLeaveListener registers the callback fired when a user's last session
// leaves a channel and the grace period has elapsed.
func (t *PresenceTracker) SetLeaveListener(f func(channelID string, presence *rtapi.UserPresence)) {
	t.Lock()
	t.leaveListener = f
	t.Unlock()
}

// SetChannelReadyListener registers the callback fired once per channel
// after its initial presence snapshot has been seeded.
func (t *PresenceTracker) SetChannelReadyListener(f func(channelID string)) {
	t.Lock()
	t.readyListener = f
	t.Unlock()
}

// Seed installs the initial presence snapshot returned by a channel join.
// Snapshot entries are inserted directly with no grace handling, then the
// channel-ready listener fires. Re-seeding a channel replaces its state.
func (t *PresenceTracker) Seed(channelID string, presences []*rtapi.UserPresence) error {
	if channelID == "" {
		return ErrChannelIDEmpty
	}

	t.Lock()
	t.removeChannelLocked(channelID)

	byUser := make(map[string]map[string]*rtapi.UserPresence, len(presences))
	for _, presence := range presences {
		if presence == nil || presence.UserId == "" || presence.SessionId == "" {
			continue
		}
		bySession, found := byUser[presence.UserId]
		if !found {
			bySession = make(map[string]*rtapi.UserPresence, 1)
			byUser[presence.UserId] = bySession
		}
		if _, tracked := bySession[presence.SessionId]; !tracked {
			t.count.Inc()
		}
		bySession[presence.SessionId] = presence
	}
	t.presencesByChannel[channelID] = byUser
	readyListener := t.readyListener
	t.Unlock()

	t.logger.Debug("Seeded channel presences", zap.String("channel_id", channelID), zap.Int("presences", len(presences)))

	if readyListener != nil {
		readyListener(channelID)
	}
	return nil
}

// ApplyEvent folds one server presence push into the tracked state. Joins
// cancel any pending leave for the same session and fire the user-level
// join listener when they are the user's first session in the channel.
// Leaves schedule a grace timer; the removal commits only if no join for
// the same session arrives before it fires.
func (t *PresenceTracker) ApplyEvent(event *rtapi.ChannelPresenceEvent) error {
	if event == nil {
		return ErrPresenceEventNil
	}
	if event.ChannelId == "" {
		return ErrChannelIDEmpty
	}

	userJoins := make([]*rtapi.UserPresence, 0, len(event.Joins))

	t.Lock()
	byUser, found := t.presencesByChannel[event.ChannelId]
	if !found {
		byUser = make(map[string]map[string]*rtapi.UserPresence)
		t.presencesByChannel[event.ChannelId] = byUser
	}

	for _, join := range event.Joins {
		if join == nil || join.UserId == "" || join.SessionId == "" {
			continue
		}

		key := pendingLeaveKey{ChannelID: event.ChannelId, UserID: join.UserId, SessionID: join.SessionId}
		if pending, scheduled := t.pendingLeaves[key]; scheduled {
			pending.timer.Stop()
			delete(t.pendingLeaves, key)
		}

		bySession, tracked := byUser[join.UserId]
		if !tracked {
			bySession = make(map[string]*rtapi.UserPresence, 1)
			byUser[join.UserId] = bySession
		}
		firstSession := len(bySession) == 0
		if _, exists := bySession[join.SessionId]; !exists {
			t.count.Inc()
		}
		bySession[join.SessionId] = join

		if firstSession {
			userJoins = append(userJoins, join)
		}
	}

	for _, leave := range event.Leaves {
		if leave == nil || leave.UserId == "" || leave.SessionId == "" {
			continue
		}

		bySession, tracked := byUser[leave.UserId]
		if !tracked {
			continue
		}
		if _, exists := bySession[leave.SessionId]; !exists {
			continue
		}

		key := pendingLeaveKey{ChannelID: event.ChannelId, UserID: leave.UserId, SessionID: leave.SessionId}
		if _, scheduled := t.pendingLeaves[key]; scheduled {
			continue
		}

		pending := &pendingLeave{key: key}
		pending.timer = time.AfterFunc(t.gracePeriod, func() {
			t.commitLeave(pending)
		})
		t.pendingLeaves[key] = pending
	}
	joinListener := t.joinListener
	t.Unlock()

	if joinListener != nil {
		for _, join := range userJoins {
			joinListener(event.ChannelId, join)
		}
	}
	return nil
}

// commitLeave runs when a grace timer fires. A pending leave that was
// cancelled or replaced observes that under the lock and does nothing.
func (t *PresenceTracker) commitLeave(pending *pendingLeave) {
	key := pending.key

	t.Lock()
	if registered, scheduled := t.pendingLeaves[key]; !scheduled || registered != pending {
		t.Unlock()
		return
	}
	delete(t.pendingLeaves, key)

	var userLeave *rtapi.UserPresence
	if byUser, found := t.presencesByChannel[key.ChannelID]; found {
		if bySession, tracked := byUser[key.UserID]; tracked {
			if presence, exists := bySession[key.SessionID]; exists {
				delete(bySession, key.SessionID)
				t.count.Dec()
				if len(bySession) == 0 {
					delete(byUser, key.UserID)
					userLeave = presence
				}
			}
		}
	}
	leaveListener := t.leaveListener
	t.Unlock()

	if userLeave != nil && leaveListener != nil {
		leaveListener(key.ChannelID, userLeave)
	}
}

// RemoveChannel drops all presence state for a channel and cancels every
// pending leave scoped to it. Used when the channel is left.
func (t *PresenceTracker) RemoveChannel(channelID string) error {
	if channelID == "" {
		return ErrChannelIDEmpty
	}
	t.Lock()
	t.removeChannelLocked(channelID)
	t.Unlock()
	return nil
}

func (t *PresenceTracker) removeChannelLocked(channelID string) {
	for key, pending := range t.pendingLeaves {
		if key.ChannelID != channelID {
			continue
		}
		pending.timer.Stop()
		delete(t.pendingLeaves, key)
	}

	byUser, found := t.presencesByChannel[channelID]
	if !found {
		return
	}
	for _, bySession := range byUser {
		t.count.Sub(int64(len(bySession)))
	}
	delete(t.presencesByChannel, channelID)
}

// Reset drops all state and cancels every pending leave. Used on full
// socket disconnect.
func (t *PresenceTracker) Reset() {
	t.Lock()
	for key, pending := range t.pendingLeaves {
		pending.timer.Stop()
		delete(t.pendingLeaves, key)
	}
	t.presencesByChannel = make(map[string]map[string]map[string]*rtapi.UserPresence)
	t.count.Store(0)
	t.Unlock()
}

// PresenceView returns a snapshot of the channel's user-level presence: one
// representative presence record per user. The returned map is a copy and
// never observes later mutation.
func (t *PresenceTracker) PresenceView(channelID string) (map[string]*rtapi.UserPresence, error) {
	if channelID == "" {
		return nil, ErrChannelIDEmpty
	}

	t.Lock()
	defer t.Unlock()

	byUser, found := t.presencesByChannel[channelID]
	if !found {
		return map[string]*rtapi.UserPresence{}, nil
	}
	view := make(map[string]*rtapi.UserPresence, len(byUser))
	for userID, bySession := range byUser {
		for _, presence := range bySession {
			view[userID] = presence
			break
		}
	}
	return view, nil
}

// Count returns the number of tracked session presences across all channels.
func (t *PresenceTracker) Count() int {
	return int(t.count.Load())
}
