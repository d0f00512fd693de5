package circles

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	prefix string
	next   atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", p.prefix, p.next.Add(1)), nil
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(delta)
}

// scriptedCodes replays codes in order and then repeats the last one.
type scriptedCodes struct {
	mu    sync.Mutex
	codes []string
	calls int
}

func (s *scriptedCodes) NewCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.calls
	if index >= len(s.codes) {
		index = len(s.codes) - 1
	}
	s.calls++
	return s.codes[index], nil
}

type countingObserver struct {
	created     int
	deactivated int
	joined      map[Role]int
	left        int
	rotated     int
	kept        int
	collisions  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{joined: map[Role]int{}}
}

func (o *countingObserver) CircleCreated() { o.created++ }
func (o *countingObserver) CircleDeactivated() { o.deactivated++ }
func (o *countingObserver) MembershipJoined(role Role) { o.joined[role]++ }
func (o *countingObserver) MembershipLeft() { o.left++ }
func (o *countingObserver) CodeCollision() { o.collisions++ }
func (o *countingObserver) CodeRefreshed(rotated bool) {
	if rotated {
		o.rotated++
		return
	}
	o.kept++
}

type managerFixture struct {
	manager   *Manager
	store     *GormStore
	directory *clients.Directory
	locations *clients.LocationStore
	clock     *manualClock
	observer  *countingObserver
	db        *gorm.DB
}

type fixtureOptions struct {
	codes       CodeGenerator
	maxAttempts int
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "circles.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&clients.Client{}, &clients.DeviceInfo{}, &Circle{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newManagerFixture(t *testing.T, options fixtureOptions) *managerFixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := &manualClock{current: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}

	directory, err := clients.NewDirectory(clients.DirectoryConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{prefix: "client"},
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	locations, err := clients.NewLocationStore(clients.LocationStoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{prefix: "sample"},
	})
	if err != nil {
		t.Fatalf("failed to create location store: %v", err)
	}

	store := NewGormStore(db)
	observer := newCountingObserver()
	manager, err := NewManager(ManagerConfig{
		Circles:         store,
		Memberships:     store,
		Clients:         directory,
		Locations:       locations,
		Codes:           options.codes,
		Clock:           clock.Now,
		MaxCodeAttempts: options.maxAttempts,
		Observer:        observer,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return &managerFixture{
		manager:   manager,
		store:     store,
		directory: directory,
		locations: locations,
		clock:     clock,
		observer:  observer,
		db:        db,
	}
}

func (f *managerFixture) registerClient(t *testing.T, identity string) clients.Client {
	t.Helper()
	client, err := f.directory.Resolve(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to register %s: %v", identity, err)
	}
	return client
}
