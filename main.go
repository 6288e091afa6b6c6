package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rubanlrdu/votingProject/anchor"
	"github.com/rubanlrdu/votingProject/auth"
	"github.com/rubanlrdu/votingProject/repository"
	"github.com/rubanlrdu/votingProject/server"
	"github.com/rubanlrdu/votingProject/voting"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	homeDir       string
	httpPort      string
	postgresHost  string
	uploadsDir    string
	anchorTimeout time.Duration
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/election-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresHost, "postgres-host", "election-postgres:5432", "DB host address")
	flag.StringVar(&uploadsDir, "uploads-dir", "./uploads", "Directory for registration uploads")
	flag.DurationVar(&anchorTimeout, "anchor-timeout", 30*time.Second, "Max wait for a vote event to be anchored")
}

func main() {
	// Load Config
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin"
	}

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	// Connect Postgresql DB
	dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", postgresHost)
	repo := repository.NewRepository(logger)
	logger.Info("Connecting to Postgres", "dsn", dsn)
	if err := repo.ConnectDB(dsn); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating database: %v", err)
	}
	adminHash, err := auth.HashPassword(adminPassword)
	if err != nil {
		log.Fatalf("Hashing admin password: %v", err)
	}
	if err := repo.Seed(adminHash); err != nil {
		log.Fatalf("Seeding database: %v", err)
	}

	// Initialize Badger DB for the vote ledger
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing database: %v", err)
		}
	}()

	ledger := anchor.NewLedger(db, logger)

	// Private Validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("failed to load node's key: %v", err)
	}

	logger, err = cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(ledger),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating node: %v", err)
	}

	// Start CometBFT node
	node.Start()
	defer func() {
		node.Stop()
		node.Wait()
	}()

	anchorClient := anchor.NewClient(node, logger)
	coordinator := voting.NewCoordinator(repo, anchorClient, anchorTimeout, logger)

	issuer, err := auth.NewIssuer([]byte(jwtSecret), 24*time.Hour)
	if err != nil {
		log.Fatalf("Creating token issuer: %v", err)
	}

	// Start Web Server
	webserver := server.NewWebServer(server.Config{
		HTTPPort:     httpPort,
		Repository:   repo,
		Coordinator:  coordinator,
		Issuer:       issuer,
		AnchorStatus: anchorClient,
		UploadsDir:   uploadsDir,
		Logger:       logger,
	})

	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	// Create deadline to wait for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown the web server
	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
