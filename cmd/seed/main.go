package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-booking-dispatch/internal/aws"
	"github.com/imrishuroy/go-booking-dispatch/internal/config"
	"github.com/imrishuroy/go-booking-dispatch/internal/idempotency"
	"github.com/imrishuroy/go-booking-dispatch/internal/logger"
	"github.com/imrishuroy/go-booking-dispatch/internal/providers"
	"github.com/imrishuroy/go-booking-dispatch/internal/table"
)

type tableCreator interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

func main() {
	perArea := flag.Int("providers", 12, "providers to create per area")
	createTables := flag.Bool("create-tables", true, "create the tables when missing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		lg.Fatal("init aws clients", zap.Error(err))
	}

	if *createTables {
		creator, ok := clients.DynamoDB.(tableCreator)
		if !ok {
			lg.Fatal("dynamodb client cannot create tables")
		}
		if err := ensureTables(ctx, creator, cfg.BookingsTable, cfg.IdempotencyTable, lg); err != nil {
			lg.Fatal("create tables", zap.Error(err))
		}
	}

	gofakeit.Seed(time.Now().UnixNano())

	store := providers.NewStore(clients.DynamoDB, cfg.BookingsTable)
	n, err := seedProviders(ctx, store, cfg.Areas, *perArea, time.Now().UTC())
	if err != nil {
		lg.Fatal("seed providers", zap.Error(err))
	}
	lg.Info("seed complete", zap.Int("providers", n), zap.Strings("areas", cfg.Areas))
}

// ensureTables creates the bookings and idempotency tables; existing tables are left alone.
func ensureTables(ctx context.Context, c tableCreator, bookingsTable, idempotencyTable string, lg *zap.Logger) error {
	for _, in := range []*dynamodb.CreateTableInput{
		table.CreateTableInput(bookingsTable),
		idempotency.CreateTableInput(idempotencyTable),
	} {
		_, err := c.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		switch {
		case errors.As(err, &inUse):
			lg.Info("table exists", zap.String("table", *in.TableName))
		case err != nil:
			return fmt.Errorf("create table %s: %w", *in.TableName, err)
		default:
			lg.Info("table created", zap.String("table", *in.TableName))
		}
	}
	return nil
}

// seedProviders writes perArea fake providers to every area, ranked 1..perArea. Every
// sixth provider has not claimed their listing so dispatch skips them.
func seedProviders(ctx context.Context, store *providers.Store, areas []string, perArea int, now time.Time) (int, error) {
	claimed := now.Add(-30 * 24 * time.Hour)
	count := 0
	for _, area := range areas {
		for rank := 1; rank <= perArea; rank++ {
			p := providers.Provider{
				ID:         gofakeit.UUID(),
				Name:       gofakeit.Name(),
				Area:       area,
				Active:     true,
				Phone:      fmt.Sprintf("+316%08d", gofakeit.Number(10000000, 99999999)),
				PhoneValid: true,
				Rank:       rank,
			}
			if rank%6 != 0 {
				p.ClaimedAt = &claimed
			}
			if err := store.Put(ctx, p); err != nil {
				return count, fmt.Errorf("put provider in %s: %w", area, err)
			}
			count++
		}
	}
	return count, nil
}
