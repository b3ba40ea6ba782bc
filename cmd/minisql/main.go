package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"minisql/pkg/config"
	"minisql/pkg/db"
	"minisql/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to minisql.ini (defaults are used when empty)")
	useDB := flag.String("db", "", "database to select on start")
	flag.Parse()

	if err := run(*configPath, *useDB); err != nil {
		fmt.Fprintf(os.Stderr, "minisql: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, useDB string) error {
	// 1. 配置和日志
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	// 2. 引擎
	engine, err := db.NewEngine(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error("close engine", zap.Error(err))
		}
	}()
	if useDB != "" {
		if err := engine.UseDatabase(useDB); err != nil {
			return err
		}
	}
	log.Info("minisql started", zap.String("data_dir", cfg.DataDir),
		zap.Int("page_frames", cfg.Buffer.PageFrames), zap.Int("index_frames", cfg.Buffer.IndexFrames))

	// 3. 交互循环
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "minisql> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	session := db.NewSession(engine, rl.Stdout())
	fmt.Fprintln(rl.Stdout(), "Welcome to MiniSQL! Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return nil
		}

		start := time.Now()
		if err := session.Execute(line); err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(rl.Stdout(), "(%.4f sec)\n", time.Since(start).Seconds())
	}
}
