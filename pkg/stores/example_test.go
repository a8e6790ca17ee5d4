package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/barclamp/pkg/engine"
	"github.com/openfroyo/barclamp/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveProposal demonstrates optimistic revisions on proposals.
func ExampleSQLiteStore_SaveProposal() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	p := &engine.Proposal{
		Module:     "nova",
		Name:       "default",
		Status:     engine.StatusPending,
		Attributes: engine.ModuleTrees{"nova": {"port": 8774}},
		Deployment: engine.ModuleTrees{"nova": {"elements": map[string]interface{}{}}},
	}
	if err := store.SaveProposal(ctx, p); err != nil {
		log.Fatal(err)
	}

	stale, _ := store.GetProposal(ctx, "nova", "default")

	p.Status = engine.StatusReady
	if err := store.SaveProposal(ctx, p); err != nil {
		log.Fatal(err)
	}

	err := store.SaveProposal(ctx, stale)
	fmt.Printf("Proposal %s at revision %d\n", p.ID(), p.Revision)
	fmt.Println("Stale write:", err != nil)
	// Output:
	// Proposal nova_default at revision 2
	// Stale write: true
}

// ExampleSQLiteStore_ListQueueEntries demonstrates commit queue persistence.
func ExampleSQLiteStore_ListQueueEntries() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now().UTC()
	_ = store.InsertQueueEntry(ctx, &engine.QueueEntry{
		ProposalID:  "nova_default",
		State:       engine.QueueStateQueued,
		SubmittedAt: now,
		Reason:      "backend busy",
	})
	_ = store.InsertQueueEntry(ctx, &engine.QueueEntry{
		ProposalID:  "database_default",
		State:       engine.QueueStateQueued,
		SubmittedAt: now.Add(time.Second),
	})

	// Claim the oldest entry
	_, _ = store.TransitionQueueEntry(ctx, "nova_default", engine.QueueStateQueued, engine.QueueStateRunning, "")

	entries, err := store.ListQueueEntries(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		fmt.Printf("%s %s attempts=%d\n", e.ProposalID, e.State, e.Attempts)
	}
	// Output:
	// nova_default running attempts=1
	// database_default queued attempts=0
}

// ExampleSQLiteStore_ActiveIDs demonstrates role binding lookups.
func ExampleSQLiteStore_ActiveIDs() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.Activate(ctx, &engine.ActiveBinding{ProposalID: "nova_default", TargetID: "cluster-1"})
	_ = store.Activate(ctx, &engine.ActiveBinding{ProposalID: "database_default", TargetID: "cluster-2"})

	all, _ := store.ActiveIDs(ctx, "")
	scoped, _ := store.ActiveIDs(ctx, "cluster-2")

	_, ok := scoped["database_default"]
	fmt.Printf("Active: %d, cluster-2: %d (%v)\n", len(all), len(scoped), ok)
	// Output: Active: 2, cluster-2: 1 (true)
}
