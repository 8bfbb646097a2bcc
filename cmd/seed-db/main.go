package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/auth"
	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/product"
	"github.com/xenking/shop-checkout/internal/handler"
	"github.com/xenking/shop-checkout/internal/storage/postgres"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	Image    string          `json:"image"`
	Inactive bool            `json:"inactive"`
}

type options struct {
	databaseURL  string
	productsFile string
	adminKey     string
	customerKey  string
	pepper       string
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&opts.adminKey, "admin-key", "", "admin API key to seed (or SHOP_SEED_ADMIN_KEY env)")
	flag.StringVar(&opts.customerKey, "customer-key", "", "customer API key to seed (or SHOP_SEED_CUSTOMER_KEY env)")
	flag.StringVar(&opts.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SHOP_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	opts.databaseURL = orEnv(opts.databaseURL, "SHOP_DATABASE_URL", "DATABASE_URL")
	opts.adminKey = orEnv(opts.adminKey, "SHOP_SEED_ADMIN_KEY")
	opts.customerKey = orEnv(opts.customerKey, "SHOP_SEED_CUSTOMER_KEY")
	opts.pepper = orEnv(opts.pepper, "SHOP_API_KEY_PEPPER")

	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.pepper == "" {
		lg.Fatal("API key pepper is required: set --api-key-pepper or SHOP_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func orEnv(v string, keys ...string) string {
	for _, k := range keys {
		if v != "" {
			return v
		}
		v = os.Getenv(k)
	}
	return v
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	tx := postgres.NewTransactor(pool)
	return tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := seedProducts(ctx, lg, postgres.NewProductRepository(tx), opts.productsFile); err != nil {
			return errors.Wrap(err, "seed products")
		}
		if err := seedCoupons(ctx, lg, postgres.NewCouponRepository(tx)); err != nil {
			return errors.Wrap(err, "seed coupons")
		}
		if err := seedAPIKeys(ctx, lg, postgres.NewAPIKeyRepository(tx), opts); err != nil {
			return errors.Wrap(err, "seed api keys")
		}
		return nil
	})
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo *postgres.ProductRepository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}
	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	for _, p := range products {
		if err := repo.Upsert(ctx, product.Product{
			ID:       p.ID,
			Name:     p.Name,
			Price:    p.Price,
			Stock:    p.Stock,
			Image:    p.Image,
			IsActive: !p.Inactive,
		}); err != nil {
			return err
		}
	}
	lg.Info("Upserted products", zap.Int("count", len(products)), zap.String("path", path))
	return nil
}

func seedCoupons(ctx context.Context, lg *zap.Logger, repo *postgres.CouponRepository) error {
	maxDiscount := decimal.NewFromInt(20)
	limit := 100
	n, err := repo.UpsertBatch(ctx, []coupon.Coupon{
		{
			Code:          "SAVE10",
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(10),
			MaxDiscount:   &maxDiscount,
			UsageLimit:    &limit,
			IsActive:      true,
		},
		{
			Code:          "WELCOME5",
			DiscountType:  coupon.DiscountFixed,
			DiscountValue: decimal.NewFromInt(5),
			MinOrderValue: decimal.NewFromInt(20),
			IsActive:      true,
		},
	})
	if err != nil {
		return err
	}
	lg.Info("Upserted coupons", zap.Int("count", n))
	return nil
}

func seedAPIKeys(ctx context.Context, lg *zap.Logger, repo *postgres.APIKeyRepository, opts options) error {
	keys := []struct {
		key  string
		info auth.APIKeyInfo
	}{
		{
			key:  opts.adminKey,
			info: auth.APIKeyInfo{ID: "admin", Name: "Seeded admin key", UserID: "admin", Email: "admin@example.com", Scopes: []string{auth.ScopeAdmin}},
		},
		{
			key:  opts.customerKey,
			info: auth.APIKeyInfo{ID: "customer", Name: "Seeded customer key", UserID: "customer-1", Email: "customer@example.com", Scopes: []string{}},
		},
	}
	for _, k := range keys {
		if k.key == "" {
			lg.Info("Skipping API key, no value given", zap.String("id", k.info.ID))
			continue
		}
		k.info.KeyHash = handler.HashKey([]byte(opts.pepper), k.key)
		if err := repo.Upsert(ctx, k.info); err != nil {
			return err
		}
		lg.Info("Upserted API key", zap.String("id", k.info.ID), zap.Strings("scopes", k.info.Scopes))
	}
	return nil
}
