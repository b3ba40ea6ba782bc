package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// 默认值与参考实现的规模一致：25 个表页 Frame，5 个索引页 Frame，每个节点 100 个键
const (
	DefaultDataDir      = "data"
	DefaultPageFrames   = 25
	DefaultIndexFrames  = 5
	DefaultNodeCapacity = 100

	// MinIndexFrames 分裂时最多同时钉住三个节点，遍历的迭代器再钉住一个叶子
	MinIndexFrames = 4
)

var ErrInvalid = errors.New("invalid configuration")

/*
示例配置:

	[storage]
	data_dir = data

	[buffer]
	page_frames  = 25
	index_frames = 5
	policy       = usage

	[index]
	node_capacity = 100

	[log]
	level  = info
	format = console
	output = stderr
*/
type Config struct {
	DataDir string
	Buffer  BufferConfig
	Index   IndexConfig
	Log     LogConfig
}

type BufferConfig struct {
	PageFrames  int
	IndexFrames int
	Policy      string
}

type IndexConfig struct {
	NodeCapacity int
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Buffer: BufferConfig{
			PageFrames:  DefaultPageFrames,
			IndexFrames: DefaultIndexFrames,
			Policy:      "usage",
		},
		Index: IndexConfig{NodeCapacity: DefaultNodeCapacity},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load 读取 ini 文件，path 为空时返回默认配置
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return parse(raw)
}

// Parse 从内存中的 ini 文本读取配置
func Parse(data []byte) (*Config, error) {
	raw, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return parse(raw)
}

func parse(raw *ini.File) (*Config, error) {
	cfg := Default()

	storage := raw.Section("storage")
	cfg.DataDir = storage.Key("data_dir").MustString(cfg.DataDir)

	buffer := raw.Section("buffer")
	cfg.Buffer.PageFrames = buffer.Key("page_frames").MustInt(cfg.Buffer.PageFrames)
	cfg.Buffer.IndexFrames = buffer.Key("index_frames").MustInt(cfg.Buffer.IndexFrames)
	cfg.Buffer.Policy = strings.ToLower(buffer.Key("policy").MustString(cfg.Buffer.Policy))

	index := raw.Section("index")
	cfg.Index.NodeCapacity = index.Key("node_capacity").MustInt(cfg.Index.NodeCapacity)

	log := raw.Section("log")
	cfg.Log.Level = log.Key("level").MustString(cfg.Log.Level)
	cfg.Log.Format = log.Key("format").MustString(cfg.Log.Format)
	cfg.Log.Output = log.Key("output").MustString(cfg.Log.Output)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: storage.data_dir is empty", ErrInvalid)
	case c.Buffer.PageFrames <= 0:
		return fmt.Errorf("%w: buffer.page_frames must be positive, got %d", ErrInvalid, c.Buffer.PageFrames)
	case c.Buffer.IndexFrames < MinIndexFrames:
		return fmt.Errorf("%w: buffer.index_frames must be at least %d, got %d", ErrInvalid, MinIndexFrames, c.Buffer.IndexFrames)
	case c.Buffer.Policy != "usage" && c.Buffer.Policy != "lru":
		return fmt.Errorf("%w: buffer.policy %q (want usage or lru)", ErrInvalid, c.Buffer.Policy)
	case c.Index.NodeCapacity < 2:
		return fmt.Errorf("%w: index.node_capacity must be at least 2, got %d", ErrInvalid, c.Index.NodeCapacity)
	}
	return nil
}
