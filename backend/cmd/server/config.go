// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Config is read from the environment, after loading .env when present.
type Config struct {
	Port            string        `env:"PORT,default=8081" validate:"required,numeric"`
	Store           string        `env:"STORE,default=badger" validate:"oneof=badger postgres"`
	BadgerPath      string        `env:"BADGER_PATH,default=data/eflink"`
	DatabaseURL     string        `env:"DATABASE_URL,default=postgres://localhost/eflink?sslmode=disable"`
	RedisURL        string        `env:"REDIS_URL"`
	JWTSecret       string        `env:"JWT_SECRET" validate:"required"`
	JWTIssuer       string        `env:"JWT_ISSUER,default=efchat"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat       string        `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
	ResubscribeWait time.Duration `env:"RESUBSCRIBE_MAX_ELAPSED,default=2m"`
}

var validate = validator.New()

func loadConfig() (Config, error) {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	config.LogLevel = strings.ToLower(config.LogLevel)
	if err := validate.Struct(config); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return config, nil
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	return lo.Compact(lo.Map(strings.Split(c.AllowedOrigins, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	}))
}

// RedisOptions accepts either a redis:// URL or a bare host:port.
func (c Config) RedisOptions() (*redis.Options, error) {
	if strings.Contains(c.RedisURL, "://") {
		return redis.ParseURL(c.RedisURL)
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}
