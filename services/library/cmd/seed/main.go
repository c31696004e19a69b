package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"libraryloan/internal/util"
	"libraryloan/pkg/domain"
	"libraryloan/pkg/store"
	"libraryloan/services/library/internal/config"
)

// fixture is the on-disk shape of a seed file.
type fixture struct {
	Books []struct {
		Code   string `yaml:"code"`
		Title  string `yaml:"title"`
		Author string `yaml:"author"`
		Stock  int    `yaml:"stock"`
	} `yaml:"books"`
	Members []struct {
		Code         string     `yaml:"code"`
		Name         string     `yaml:"name"`
		PenaltyUntil *time.Time `yaml:"penaltyUntil"`
	} `yaml:"members"`
}

func main() {
	file := flag.String("file", "seed.yaml", "YAML file with books and members")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	books, members, err := loadFixture(*file)
	if err != nil {
		log.Fatalf("failed to load seed file: %v", err)
	}

	gs, err := store.NewGormStore(cfg.DatabaseURL,
		store.WithAutoMigrate(true),
		store.WithLogLevel(cfg.DBLogLevel),
	)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	defer gs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gs.Seed(ctx, books, members); err != nil {
		logger.Error("seed failed", "err", err)
		os.Exit(1)
	}
	logger.Info("seed complete", "books", len(books), "members", len(members))
}

func loadFixture(path string) ([]domain.Book, []domain.Member, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseFixture(raw)
}

func parseFixture(raw []byte) ([]domain.Book, []domain.Member, error) {
	var f fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("parse fixture: %w", err)
	}
	seen := make(map[string]bool)
	books := make([]domain.Book, 0, len(f.Books))
	for i, b := range f.Books {
		code := strings.TrimSpace(b.Code)
		if code == "" {
			return nil, nil, fmt.Errorf("books[%d]: code is required", i)
		}
		if seen["book:"+code] {
			return nil, nil, fmt.Errorf("books[%d]: duplicate code %s", i, code)
		}
		if b.Stock < 0 {
			return nil, nil, fmt.Errorf("books[%d]: stock must not be negative", i)
		}
		seen["book:"+code] = true
		books = append(books, domain.Book{Code: code, Title: b.Title, Author: b.Author, Stock: b.Stock})
	}
	members := make([]domain.Member, 0, len(f.Members))
	for i, m := range f.Members {
		code := strings.TrimSpace(m.Code)
		if code == "" {
			return nil, nil, fmt.Errorf("members[%d]: code is required", i)
		}
		if seen["member:"+code] {
			return nil, nil, fmt.Errorf("members[%d]: duplicate code %s", i, code)
		}
		seen["member:"+code] = true
		members = append(members, domain.Member{Code: code, Name: m.Name, PenaltyUntil: m.PenaltyUntil})
	}
	return books, members, nil
}
