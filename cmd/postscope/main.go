package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/postscope/postscope/internal/cache"
	"github.com/postscope/postscope/internal/cluster"
	"github.com/postscope/postscope/internal/config"
	"github.com/postscope/postscope/internal/embed"
	"github.com/postscope/postscope/internal/pipeline"
	"github.com/postscope/postscope/internal/reduce"
	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/store"
)

const version = "0.1.0-dev"

const defaultEmbedFlag = "ollama/nomic-embed-text"

// defaultMaxSessions caps stored sessions unless configured otherwise.
const defaultMaxSessions = 20

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "show":
		err = runShow(os.Args[2:])
	case "recluster":
		err = runRecluster(os.Args[2:])
	case "rename-cluster":
		err = runRenameCluster(os.Args[2:])
	case "rename":
		err = runRenameSession(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "clear":
		err = runClear(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "cache":
		err = runCache(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("postscope %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonOpts are the flags every command accepts alongside its own.
type commonOpts struct {
	resolve config.ResolveOptions
}

// splitCommon peels the shared flags off args and returns the rest.
func splitCommon(args []string) ([]string, commonOpts, error) {
	var rest []string
	var opts commonOpts
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				return nil, opts, fmt.Errorf("--config requires a path")
			}
			opts.resolve.ConfigPath = args[i]
		case "--db":
			i++
			if i >= len(args) {
				return nil, opts, fmt.Errorf("--db requires a path")
			}
			opts.resolve.CLIDBPath = args[i]
		case "--cache":
			i++
			if i >= len(args) {
				return nil, opts, fmt.Errorf("--cache requires a path")
			}
			opts.resolve.CLICachePath = args[i]
		case "--embed":
			i++
			if i >= len(args) {
				return nil, opts, fmt.Errorf("--embed requires provider/model")
			}
			opts.resolve.CLIEmbed = args[i]
		case "--redis":
			i++
			if i >= len(args) {
				return nil, opts, fmt.Errorf("--redis requires an address")
			}
			opts.resolve.CLIRedis = args[i]
		case "--max-sessions":
			i++
			if i >= len(args) {
				return nil, opts, fmt.Errorf("--max-sessions requires a number")
			}
			opts.resolve.CLIMaxSessions = args[i]
		default:
			rest = append(rest, args[i])
		}
	}
	return rest, opts, nil
}

// app bundles the wired collaborators behind every command.
type app struct {
	cfg     config.ResolvedConfig
	log     *zap.Logger
	store   *store.SQLiteStore
	cache   cache.Store
	manager *session.Manager
}

// newApp resolves config and wires the store, cache, embedder, pipeline,
// and session manager.
func newApp(opts commonOpts) (*app, error) {
	cfg, err := config.ResolveConfig(opts.resolve)
	if err != nil {
		return nil, err
	}

	log := zap.NewNop()
	if os.Getenv("POSTSCOPE_DEBUG") != "" {
		if dev, err := zap.NewDevelopment(); err == nil {
			log = dev
		}
	}

	st, err := store.Open(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	cacheStore, err := openCache(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	embedder, err := buildEmbedder(cfg, cacheStore)
	if err != nil {
		cacheStore.Close()
		st.Close()
		return nil, err
	}

	factory := func(rc pipeline.ReducerConfig, rng *pipeline.RNG) pipeline.Reducer {
		return reduce.New(rc, rng)
	}
	orch := pipeline.New(embedder, factory, cluster.New(), log)

	manager := session.NewManager(st, orch, log)
	manager.MaxSessions = cfg.MaxSessionsValue(defaultMaxSessions)

	return &app{cfg: cfg, log: log, store: st, cache: cacheStore, manager: manager}, nil
}

func (a *app) close() {
	a.cache.Close()
	a.store.Close()
	_ = a.log.Sync()
}

func openCache(cfg config.ResolvedConfig) (cache.Store, error) {
	if addr := cfg.RedisAddr.Value; addr != "" {
		s, err := cache.OpenRedis(context.Background(), addr, cfg.RedisPassword.Value, cfg.RedisDBValue())
		if err != nil {
			return nil, fmt.Errorf("opening redis cache: %w", err)
		}
		return s, nil
	}

	path := cfg.CachePath.Value
	if path == "" {
		home, _ := os.UserHomeDir()
		path = home + "/.postscope/cache.db"
	}
	s, err := cache.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return s, nil
}

func buildEmbedder(cfg config.ResolvedConfig, cacheStore cache.Store) (embed.Embedder, error) {
	flag := cfg.EmbedProvider.Value
	if flag == "" {
		flag = defaultEmbedFlag
	}
	ec, err := embed.ParseFlag(flag)
	if err != nil {
		return nil, err
	}
	if v := cfg.EmbedEndpoint.Value; v != "" {
		ec.Endpoint = v
	}
	if v := cfg.EmbedAPIKey.Value; v != "" {
		ec.APIKey = v
	}
	if v := cfg.EmbedModelPath.Value; v != "" {
		ec.ModelPath = v
	}
	if v := cfg.EmbedTokenizerPath.Value; v != "" {
		ec.TokenizerPath = v
	}

	var inner embed.Embedder
	if ec.Provider == "local" {
		inner, err = embed.NewLocal(ec)
	} else {
		inner, err = embed.NewClient(ec)
	}
	if err != nil {
		return nil, err
	}
	return embed.NewCached(inner, cache.NewEmbeddingCache(cacheStore)), nil
}

func printUsage() {
	fmt.Printf(`postscope %s — semantic clustering for short text posts

Usage:
  postscope <command> [arguments]

Commands:
  analyze <file.csv>    Import posts from CSV and run the full analysis
  sessions              List saved sessions
  show <id>             Show a session's cluster overview
  recluster <id> <n>    Re-cluster with minimum cluster size n
  rename-cluster <id> <label> <name>
                        Rename one cluster
  rename <id> <name>    Retitle a session
  query <id> <text>     Project text into a session's 2D map
  delete <id>           Delete one session
  clear                 Delete every session
  export <file.json>    Export all sessions to a JSON file
  import <file.json>... Import sessions from JSON files
  cache <stats|clear>   Inspect or clear the embedding cache
  config                Print the resolved configuration
  serve                 Run the MCP server on stdio
  version               Print version

Common Flags:
  --config <path>       Config file (default ~/.postscope/config.yaml)
  --db <path>           Session database path
  --cache <path>        Embedding cache database path
  --embed <prov/model>  Embedding backend (default %s)
  --redis <addr>        Use Redis instead of SQLite for the cache
  --max-sessions <n>    Cap on stored sessions (default %d)

Analyze Flags:
  --name <title>        Session title
  --search <query>      Tag the session as a search capture
  --profile <user>      Tag the session as a profile capture
  --list <name>         Tag the session as a list capture

Environment:
  POSTSCOPE_DB, POSTSCOPE_CACHE, POSTSCOPE_EMBED, POSTSCOPE_EMBED_ENDPOINT,
  POSTSCOPE_EMBED_API_KEY, POSTSCOPE_REDIS, POSTSCOPE_MAX_SESSIONS,
  POSTSCOPE_DEBUG
`, version, defaultEmbedFlag, defaultMaxSessions)
}
