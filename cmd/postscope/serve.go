package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/postscope/postscope/internal/cache"
	"github.com/postscope/postscope/internal/config"
	"github.com/postscope/postscope/internal/mcp"
)

func runServe(args []string) error {
	_, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcp.NewServer(mcp.ServerConfig{Manager: a.manager, Version: version})
	return server.ServeStdio(srv)
}

func runCache(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	sub := "stats"
	if len(args) > 0 {
		sub = args[0]
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	embeddings := cache.NewEmbeddingCache(a.cache)
	pictures := cache.NewPictureCache(a.cache)
	ctx := context.Background()

	switch sub {
	case "stats":
		ne, err := embeddings.Count(ctx)
		if err != nil {
			return err
		}
		np, err := pictures.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d cached embeddings, %d cached profile pictures\n", ne, np)
		return nil
	case "clear":
		if err := embeddings.Clear(ctx); err != nil {
			return err
		}
		if err := pictures.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("Embedding and picture caches cleared.")
		return nil
	default:
		return fmt.Errorf("usage: postscope cache <stats|clear>")
	}
}

func runConfig(args []string) error {
	_, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	cfg, err := config.ResolveConfig(common.resolve)
	if err != nil {
		return err
	}
	if cfg.EmbedAPIKey.Value != "" {
		cfg.EmbedAPIKey.Value = "(set)"
	}
	if cfg.RedisPassword.Value != "" {
		cfg.RedisPassword.Value = "(set)"
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
