package main

import (
	"errors"
	"path/filepath"
)

type Config struct {
	InputPath  string
	OutputPath string
	ArrayField string
	Overwrite  bool
	LogLevel   string
}

func (c Config) Validate() error {
	if c.InputPath == "" {
		return errors.New("missing -in")
	}
	if c.OutputPath == "" {
		return errors.New("missing -out")
	}
	if filepath.Clean(c.InputPath) == filepath.Clean(c.OutputPath) {
		return errors.New("-in and -out must differ")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		InputPath:  filepath.FromSlash("data/conversations.json"),
		OutputPath: filepath.FromSlash("data/messages.csv"),
		LogLevel:   "info",
	}
}
