package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/mansoorceksport/stapler/internal/config"
	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/mansoorceksport/stapler/internal/server"
	"github.com/mansoorceksport/stapler/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Command line flags
	class := flag.String("class", "", "Owner class, e.g. User (required)")
	ownerID := flag.String("id", "", "Owner ID (required)")
	name := flag.String("attachment", "", "Attachment name; every attachment of the owner when empty")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	dryRun := flag.Bool("dry-run", false, "Show what would be done without making changes")
	flag.Parse()

	if *class == "" || *ownerID == "" {
		fmt.Println("Usage: reprocess -class <CLASS> -id <OWNER_ID> [-attachment <NAME>] [-dry-run]")
		fmt.Println("\nThis command regenerates every style of an owner's attachments from the stored originals.")
		fmt.Println("Run it after changing the styles of an attachment definition.")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defs, err := config.LoadDefinitions(cfg.Attachments.DefinitionsFile)
	if err != nil {
		log.Fatalf("Failed to load attachment definitions: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer redisClient.Close()

	deps := server.AppDependencies{
		Config:      cfg,
		MongoDB:     client.Database(cfg.MongoDB.Database),
		RedisClient: redisClient,
		Definitions: defs,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	if cfg.S3.Enabled() {
		s3Client, err := storage.NewS3Client(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to initialize S3 client: %v", err)
		}
		deps.ObjectClient = s3Client
	}
	svc, _ := server.NewAttachmentService(deps)

	owner := domain.Owner{Class: *class, ID: *ownerID}
	fmt.Printf("🔍 Finding attachments for %s #%s\n", owner.Class, owner.ID)

	views, err := svc.List(ctx, owner)
	if err != nil {
		log.Fatalf("Failed to list attachments: %v", err)
	}

	var names []string
	for _, v := range views {
		if *name == "" || v.Record.Name == *name {
			names = append(names, v.Record.Name)
		}
	}
	fmt.Printf("📋 Found %d attachments\n\n", len(names))

	if len(names) == 0 {
		fmt.Println("Nothing to reprocess.")
		os.Exit(0)
	}

	var reprocessed, failedStyles int
	for _, n := range names {
		fmt.Printf("🖼️  Reprocessing %s\n", n)

		if *dryRun {
			fmt.Printf("   🏃 DRY RUN - Would regenerate all styles\n\n")
			continue
		}

		view, err := svc.Reprocess(ctx, owner, n)
		if err != nil {
			fmt.Printf("   ❌ Failed: %v\n\n", err)
			continue
		}

		styles := make([]string, 0, len(view.Record.Variants))
		for style := range view.Record.Variants {
			styles = append(styles, style)
		}
		sort.Strings(styles)
		fmt.Printf("   ✅ Stored styles: %v\n", styles)
		for style, msg := range view.Failed {
			fmt.Printf("   ⚠️  %s: %s\n", style, msg)
		}
		fmt.Println()

		reprocessed++
		failedStyles += len(view.Failed)
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("✅ Summary:\n")
	fmt.Printf("   Attachments found: %d\n", len(names))
	fmt.Printf("   Attachments reprocessed: %d\n", reprocessed)
	fmt.Printf("   Failed styles: %d\n", failedStyles)

	if *dryRun {
		fmt.Println("\n⚠️  This was a dry run. No changes were made.")
		fmt.Println("   Run without -dry-run to apply changes.")
	}
}
