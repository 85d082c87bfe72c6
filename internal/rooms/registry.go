// Package rooms implements the Room Registry: the in-memory map of rooms,
// their participants, passphrase digests, and supervised transport handles.
// It is the central coordinator of the "join a room" path, driving the Port
// Allocator and Transport Supervisor and compensating their side effects on
// partial failure.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"audiohub/server/internal/ports"
	"audiohub/server/internal/transport"
)

var (
	ErrDisallowed    = errors.New("room creation disabled")
	ErrUnknown       = errors.New("room not found")
	ErrBadPassphrase = errors.New("bad passphrase")
	ErrFull          = errors.New("room is full")
	ErrAlreadyIn     = errors.New("already a participant")
	ErrNotIn         = errors.New("not a participant")
	ErrCapacity      = errors.New("port pool exhausted")
	ErrSpawnFailed   = errors.New("failed to start room transport")
	ErrNameRequired  = errors.New("room name is required")
)

// passphraseCost is intentionally the same bcrypt work factor used for user
// passwords; a room passphrase deserves the same protection.
const passphraseCost = 12

// Participant identifies one joined user for ordering and lookups.
type Participant struct {
	UserID int64
	Name   string
}

// Room is one collaboration session. The zero value is not usable.
type Room struct {
	ID               string
	Name             string
	CreatorID        int64
	CreatorName      string
	CreatedAt        time.Time
	PassphraseDigest []byte // nil means public
	MaxParticipants  int
	Port             int
	Transport        *transport.Handle
	System           bool // true for the single-room-mode default room

	mu           sync.Mutex
	participants []Participant
}

// IsPrivate reports whether a passphrase is required to join.
func (r *Room) IsPrivate() bool {
	return len(r.PassphraseDigest) > 0
}

// Summary is a read-only, lock-free view of a room for listings.
type Summary struct {
	ID              string
	Name            string
	Creator         string
	Participants    int
	MaxParticipants int
	IsPrivate       bool
}

// JoinInfo tells a joining client where to point its own transport process.
type JoinInfo struct {
	HubHost        string
	JacktripPort   int
	ClientNameHint string
}

// Config carries the Room Registry's deployment-wide policy knobs.
type Config struct {
	HubHost                string
	SingleRoomMode         bool
	BandName               string
	DefaultMaxParticipants int
	TransportChannels      int
	ReapGrace              time.Duration
}

// Registry owns every live Room. Lock order is always registry -> room.
type Registry struct {
	cfg   Config
	mu    sync.RWMutex
	rooms map[string]*Room

	alloc *ports.Allocator
	sup   *transport.Supervisor

	slugSeq sync.Map // slug -> *atomic.Int64, for human-readable sequential ids

	onChange func()

	emptySince sync.Map // roomID -> time.Time, tracked for the reaper
}

// New constructs an empty Registry. AttachSupervisor must be called before
// Create is used, since spawning a room's transport depends on it.
func New(cfg Config, alloc *ports.Allocator) *Registry {
	if cfg.DefaultMaxParticipants <= 0 {
		cfg.DefaultMaxParticipants = 8
	}
	if cfg.TransportChannels <= 0 {
		cfg.TransportChannels = 2
	}
	return &Registry{
		cfg:   cfg,
		rooms: make(map[string]*Room),
		alloc: alloc,
	}
}

// AttachSupervisor wires the Transport Supervisor in after construction,
// breaking the circular dependency between the two: the supervisor's onExit
// callback must point back at this registry's HandleTransportExit.
func (reg *Registry) AttachSupervisor(sup *transport.Supervisor) {
	reg.sup = sup
}

// SetOnChange installs a callback invoked after any mutation that changes
// the set of live rooms or their participants: create, join, leave, destroy.
// The Hub Orchestrator wires this to the Graph WebSocket Hub's refresh path.
func (reg *Registry) SetOnChange(fn func()) {
	reg.onChange = fn
}

func (reg *Registry) notify() {
	if reg.onChange != nil {
		reg.onChange()
	}
}

// BootstrapDefaultRoom creates the single-room-mode default room at startup,
// recorded with a synthetic system creator. It is a no-op if single-room
// mode is disabled.
func (reg *Registry) BootstrapDefaultRoom(ctx context.Context) error {
	if !reg.cfg.SingleRoomMode {
		return nil
	}
	_, err := reg.createLocked(ctx, 0, "system", reg.cfg.BandName, "", 0, true)
	return err
}

// Create allocates a port, spawns the room's transport, and records the
// room. In single-room mode it always returns ErrDisallowed.
func (reg *Registry) Create(ctx context.Context, creatorID int64, creatorName, name, passphrase string, maxParticipants int) (Summary, error) {
	if reg.cfg.SingleRoomMode {
		return Summary{}, ErrDisallowed
	}
	room, err := reg.createLocked(ctx, creatorID, creatorName, name, passphrase, maxParticipants, false)
	if err != nil {
		return Summary{}, err
	}
	return reg.summaryOf(room), nil
}

func (reg *Registry) createLocked(ctx context.Context, creatorID int64, creatorName, name, passphrase string, maxParticipants int, system bool) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if maxParticipants <= 0 {
		maxParticipants = reg.cfg.DefaultMaxParticipants
	}

	port, err := reg.alloc.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapacity, err)
	}

	id := reg.nextID(name, system)

	handle, err := reg.sup.Spawn(ctx, transport.Spec{RoomID: id, Port: port, Channels: reg.cfg.TransportChannels})
	if err != nil {
		reg.alloc.Release(port)
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	var digest []byte
	if passphrase != "" {
		digest, err = bcrypt.GenerateFromPassword([]byte(passphrase), passphraseCost)
		if err != nil {
			reg.sup.Stop(handle)
			reg.alloc.Release(port)
			return nil, fmt.Errorf("hash passphrase: %w", err)
		}
	}

	room := &Room{
		ID:               id,
		Name:             name,
		CreatorID:        creatorID,
		CreatorName:      creatorName,
		CreatedAt:        time.Now(),
		PassphraseDigest: digest,
		MaxParticipants:  maxParticipants,
		Port:             port,
		Transport:        handle,
		System:           system,
	}

	if !system {
		// A new room starts empty; track it for the reaper before it becomes
		// visible, so a Join that follows clears the mark.
		reg.emptySince.Store(id, room.CreatedAt)
	}

	reg.mu.Lock()
	reg.rooms[id] = room
	reg.mu.Unlock()

	slog.Info("room created", "room_id", id, "name", name, "port", port, "system", system)
	reg.notify()
	return room, nil
}

// nextID produces a human-readable, unique id: a slug of name followed by a
// sequence number, e.g. "jam-1", disambiguated further with a short random
// suffix to guarantee uniqueness even across concurrent creates of rooms
// with the same display name.
func (reg *Registry) nextID(name string, system bool) string {
	if system {
		return "default"
	}
	slug := slugify(name)
	seqAny, _ := reg.slugSeq.LoadOrStore(slug, new(atomic.Int64))
	seq := seqAny.(*atomic.Int64).Add(1)
	return fmt.Sprintf("%s-%d-%s", slug, seq, uuid.NewString()[:8])
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "room"
	}
	return s
}

// List returns a stable snapshot of every live room, safe to serialize
// without holding any lock during the I/O that follows.
func (reg *Registry) List() []Summary {
	reg.mu.RLock()
	rs := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rs = append(rs, r)
	}
	reg.mu.RUnlock()

	out := make([]Summary, 0, len(rs))
	for _, r := range rs {
		out = append(out, reg.summaryOf(r))
	}
	return out
}

func (reg *Registry) summaryOf(r *Room) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		ID:              r.ID,
		Name:            r.Name,
		Creator:         r.CreatorName,
		Participants:    len(r.participants),
		MaxParticipants: r.MaxParticipants,
		IsPrivate:       r.IsPrivate(),
	}
}

// Get returns the summary for one room.
func (reg *Registry) Get(id string) (Summary, error) {
	room, ok := reg.lookup(id)
	if !ok {
		return Summary{}, ErrUnknown
	}
	return reg.summaryOf(room), nil
}

func (reg *Registry) lookup(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// IsParticipant reports whether userID currently holds a seat in room id.
// The Permission Kernel consults this before authorizing a leave request;
// an unknown room reports false rather than erroring, since the caller
// checks existence separately.
func (reg *Registry) IsParticipant(id string, userID int64) bool {
	room, ok := reg.lookup(id)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for _, p := range room.participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Join verifies the passphrase (constant-time against the stored digest),
// adds the user to the participant set, and returns connection info. Rejoin
// by an already-present user is idempotent.
func (reg *Registry) Join(id string, userID int64, userName, passphrase string) (JoinInfo, error) {
	room, ok := reg.lookup(id)
	if !ok {
		return JoinInfo{}, ErrUnknown
	}

	room.mu.Lock()

	for _, p := range room.participants {
		if p.UserID == userID {
			info := reg.joinInfoLocked(room)
			room.mu.Unlock()
			return info, nil
		}
	}

	if room.IsPrivate() {
		if !verifyPassphrase(passphrase, room.PassphraseDigest) {
			room.mu.Unlock()
			return JoinInfo{}, ErrBadPassphrase
		}
	}
	if len(room.participants) >= room.MaxParticipants {
		room.mu.Unlock()
		return JoinInfo{}, ErrFull
	}

	room.participants = append(room.participants, Participant{UserID: userID, Name: userName})
	reg.emptySince.Delete(id)
	count := len(room.participants)
	info := reg.joinInfoLocked(room)
	room.mu.Unlock()

	slog.Info("user joined room", "room_id", id, "user_id", userID, "participants", count)
	reg.notify()
	return info, nil
}

func (reg *Registry) joinInfoLocked(room *Room) JoinInfo {
	return JoinInfo{
		HubHost:        reg.cfg.HubHost,
		JacktripPort:   room.Port,
		ClientNameHint: room.ID,
	}
}

// verifyPassphrase runs bcrypt's constant-time-relative-to-digest-length
// comparison regardless of the supplied value's correctness, per the
// boundary requirement that comparison cost must not depend on a
// first-mismatching-byte short circuit.
func verifyPassphrase(plaintext string, digest []byte) bool {
	if len(digest) == 0 {
		return plaintext == ""
	}
	return bcrypt.CompareHashAndPassword(digest, []byte(plaintext)) == nil
}

// Leave removes a user from a room's participant set. In multi-room mode,
// the last leave destroys the room; in single-room mode the room persists
// empty.
func (reg *Registry) Leave(id string, userID int64) error {
	room, ok := reg.lookup(id)
	if !ok {
		return ErrUnknown
	}

	room.mu.Lock()
	idx := -1
	for i, p := range room.participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx == -1 {
		room.mu.Unlock()
		return ErrNotIn
	}
	room.participants = append(room.participants[:idx], room.participants[idx+1:]...)
	empty := len(room.participants) == 0
	system := room.System
	room.mu.Unlock()

	slog.Info("user left room", "room_id", id, "user_id", userID, "empty", empty)

	if empty && !system {
		reg.destroy(id)
	} else if empty {
		reg.emptySince.Store(id, time.Now())
	}
	reg.notify()
	return nil
}

// destroy tears a room down: stops its transport, releases its port, and
// removes the record. It is used both for explicit empty-room teardown and
// for reacting to an unexpected transport exit.
func (reg *Registry) destroy(id string) {
	reg.mu.Lock()
	room, ok := reg.rooms[id]
	if ok {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}
	reg.emptySince.Delete(id)

	if room.Transport != nil {
		reg.sup.Stop(room.Transport)
	}
	reg.alloc.Release(room.Port)
	slog.Info("room destroyed", "room_id", id)
}

// HandleTransportExit is the Transport Supervisor's onExit callback. A nil
// err means the exit was a deliberate Stop already reflected by a prior
// destroy call; any other err means the transport died unexpectedly and the
// room must be torn down now, evicting its participants.
func (reg *Registry) HandleTransportExit(roomID string, err error) {
	if err == nil {
		return
	}
	if _, ok := reg.lookup(roomID); !ok {
		return
	}
	slog.Warn("room transport died unexpectedly, destroying room", "room_id", roomID, "err", err)
	reg.destroy(roomID)
	reg.notify()
}

// ReapEmptyRooms destroys any multi-room-mode room that has been empty for
// longer than grace. This is belt-and-braces: Leave already destroys empty
// rooms immediately in multi-room mode.
func (reg *Registry) ReapEmptyRooms() {
	grace := reg.cfg.ReapGrace
	if grace <= 0 {
		return
	}
	now := time.Now()
	var toReap []string
	reg.emptySince.Range(func(key, value any) bool {
		id := key.(string)
		since := value.(time.Time)
		if now.Sub(since) >= grace {
			toReap = append(toReap, id)
		}
		return true
	})
	for _, id := range toReap {
		room, ok := reg.lookup(id)
		if !ok || room.System {
			reg.emptySince.Delete(id)
			continue
		}
		slog.Info("reaping empty room", "room_id", id)
		reg.destroy(id)
		reg.notify()
	}
}

// ShutdownAll tears down every room, for use during hub shutdown.
func (reg *Registry) ShutdownAll() {
	reg.mu.RLock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	reg.mu.RUnlock()

	for _, id := range ids {
		reg.destroy(id)
	}
}
