package messaging

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
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

type recordingGateway struct {
	mu            sync.Mutex
	notifications []push.Notification
	failTokens    map[string]string
	err           error
	release       chan struct{}
}

func (g *recordingGateway) Send(ctx context.Context, notification push.Notification) (push.Result, error) {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return push.Result{}, ctx.Err()
		}
	}
	g.mu.Lock()
	g.notifications = append(g.notifications, notification)
	g.mu.Unlock()
	if g.err != nil {
		return push.Result{}, g.err
	}
	result := push.Result{}
	for _, token := range notification.Tokens {
		result.Recipients = append(result.Recipients, push.RecipientResult{Token: token, ErrorCode: g.failTokens[token]})
	}
	return result, nil
}

func (g *recordingGateway) sent() []push.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := make([]push.Notification, len(g.notifications))
	copy(copied, g.notifications)
	return copied
}

type routerFixture struct {
	router     *Router
	dispatcher *Dispatcher
	gateway    *recordingGateway
	messages   *GormStore
	manager    *circles.Manager
	directory  *clients.Directory
	db         *gorm.DB
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "messaging.db")), &gorm.Config{TranslateError: true})
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
	if err := db.AutoMigrate(&clients.Client{}, &clients.DeviceInfo{}, &circles.Circle{}, &circles.Membership{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newRouterFixture(t *testing.T, gateway *recordingGateway) *routerFixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := func() time.Time { return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC) }

	directory, err := clients.NewDirectory(clients.DirectoryConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{prefix: "client"},
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	locations, err := clients.NewLocationStore(clients.LocationStoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{prefix: "sample"},
	})
	if err != nil {
		t.Fatalf("failed to create location store: %v", err)
	}
	circleStore := circles.NewGormStore(db)
	manager, err := circles.NewManager(circles.ManagerConfig{
		Circles:     circleStore,
		Memberships: circleStore,
		Clients:     directory,
		Locations:   locations,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	messages := NewGormStore(db)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Gateway:  gateway,
		Messages: messages,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	router, err := NewRouter(RouterConfig{
		Clients:     directory,
		Locations:   locations,
		Memberships: circleStore,
		Messages:    messages,
		Scheduler:   dispatcher,
		IDProvider:  &sequenceIDProvider{prefix: "message"},
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}
	t.Cleanup(dispatcher.Wait)
	return &routerFixture{
		router:     router,
		dispatcher: dispatcher,
		gateway:    gateway,
		messages:   messages,
		manager:    manager,
		directory:  directory,
		db:         db,
	}
}

func (f *routerFixture) registerClient(t *testing.T, identity, pushToken string) clients.Client {
	t.Helper()
	ctx := context.Background()
	client, err := f.directory.Resolve(ctx, identity)
	if err != nil {
		t.Fatalf("failed to register %s: %v", identity, err)
	}
	if pushToken == "" {
		return client
	}
	client, err = f.directory.UpdatePushToken(ctx, client.ID, pushToken)
	if err != nil {
		t.Fatalf("failed to set push token for %s: %v", identity, err)
	}
	return client
}

func awaitCompletion(t *testing.T, completion <-chan Completion) Completion {
	t.Helper()
	select {
	case done, ok := <-completion:
		if !ok {
			t.Fatal("completion channel closed without a value")
		}
		return done
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not complete within deadline")
	}
	return Completion{}
}
