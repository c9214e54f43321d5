package main

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"inbox-pipeline/internal/models"
	"inbox-pipeline/internal/repository"
	"inbox-pipeline/internal/service"
	"inbox-pipeline/pkg/auth"
	"inbox-pipeline/pkg/config"
	"inbox-pipeline/pkg/logger"
	"inbox-pipeline/pkg/postgres"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// seedFile is the demo team and its bank feed.
type seedFile struct {
	Team struct {
		ID           uuid.UUID `json:"id"`
		Name         string    `json:"name"`
		BaseCurrency string    `json:"base_currency"`
	} `json:"team"`
	Transactions []struct {
		Name         string  `json:"name"`
		Counterparty string  `json:"counterparty"`
		Amount       float64 `json:"amount"`
		Currency     string  `json:"currency"`
		Date         string  `json:"date"`
		Recurring    bool    `json:"recurring"`
	} `json:"transactions"`
}

// CacheData remembers the hash of the last seeded file
type CacheData struct {
	FileHash string    `json:"file_hash"`
	SeededAt time.Time `json:"seeded_at"`
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logger.Level, cfg.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	appLogger := logger.Get()

	// Connect to database
	ctx := context.Background()
	db, err := postgres.NewPool(ctx, &cfg.Database, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, appLogger); err != nil {
		appLogger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	seedDir := filepath.Join("cmd", "seed")
	seedPath := filepath.Join(seedDir, "transactions.json")
	cacheFile := filepath.Join(seedDir, ".seed_cache.json")

	teamRepo := repository.NewTeamRepository(db, appLogger)
	txRepo := repository.NewTransactionRepository(db, appLogger)
	embedder := service.NewEmbeddingClient(&cfg.Embedding, appLogger)

	appLogger.Info("Starting database seeding...")

	teamID, err := seedTransactions(ctx, seedPath, cacheFile, teamRepo, txRepo, embedder, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to seed transactions", zap.Error(err))
	}

	// A full-scope token for local testing of the API
	jwtManager := auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.Expiration)
	token, err := jwtManager.GenerateToken("seed")
	if err != nil {
		appLogger.Fatal("Failed to issue service token", zap.Error(err))
	}

	appLogger.Info("Database seeding completed successfully!", zap.String("team_id", teamID.String()))
	fmt.Printf("TEAM_ID=%s\nSERVICE_TOKEN=%s\n", teamID, token)
}

func seedTransactions(
	ctx context.Context,
	seedPath string,
	cacheFile string,
	teams *repository.TeamRepository,
	transactions *repository.TransactionRepository,
	embedder service.Embedder,
	logger *zap.Logger,
) (uuid.UUID, error) {
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	fileHash, err := calculateFileHash(seedPath)
	if err != nil {
		logger.Warn("Failed to calculate file hash, will seed anyway", zap.Error(err))
	}
	if cache, err := loadCache(cacheFile); err == nil && cache.FileHash != "" && cache.FileHash == fileHash {
		logger.Info("Seed file unchanged, skipping", zap.Time("seeded_at", cache.SeededAt))
		return seed.Team.ID, nil
	}

	team := &models.Team{ID: seed.Team.ID, Name: seed.Team.Name}
	if seed.Team.BaseCurrency != "" {
		team.BaseCurrency = &seed.Team.BaseCurrency
	}
	if err := teams.Create(ctx, team); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create team: %w", err)
	}

	batch := make([]*models.Transaction, 0, len(seed.Transactions))
	for _, t := range seed.Transactions {
		date, err := time.Parse(time.DateOnly, t.Date)
		if err != nil {
			return uuid.Nil, fmt.Errorf("transaction %q: %w", t.Name, err)
		}
		tx := &models.Transaction{
			// stable ids keep re-seeding idempotent
			ID:        uuid.NewSHA1(team.ID, []byte(t.Name+t.Date)),
			TeamID:    team.ID,
			Name:      t.Name,
			Amount:    t.Amount,
			Currency:  t.Currency,
			Date:      date,
			Status:    models.TransactionStatusPosted,
			Recurring: t.Recurring,
		}
		if t.Counterparty != "" {
			tx.CounterpartyName = &t.Counterparty
		}

		res, err := embedder.Embed(ctx, service.TransactionEmbeddingText(tx))
		if err != nil {
			// transactions without an embedding are still matched on amount and date
			logger.Warn("Failed to embed transaction", zap.String("name", t.Name), zap.Error(err))
		} else {
			tx.Embedding = res.Vector
		}
		batch = append(batch, tx)
	}

	if err := transactions.CreateBatch(ctx, batch); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert transactions: %w", err)
	}
	logger.Info("Seeded transactions", zap.String("team", team.Name), zap.Int("count", len(batch)))

	if err := saveCache(cacheFile, &CacheData{FileHash: fileHash, SeededAt: time.Now()}); err != nil {
		logger.Warn("Failed to save cache", zap.Error(err))
	}
	return team.ID, nil
}

// loadCache loads the hash of the last seeded file
func loadCache(cacheFile string) (*CacheData, error) {
	data, err := os.ReadFile(cacheFile)
	if err != nil {
		return nil, err
	}
	var cache CacheData
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	return &cache, nil
}

func saveCache(cacheFile string, cache *CacheData) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}
	return os.WriteFile(cacheFile, data, 0644)
}

// calculateFileHash calculates MD5 hash of a file
func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
