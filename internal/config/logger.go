package config

import "go.uber.org/zap"

// NewLogger returns a production logger for "prod"/"production" and a
// development logger otherwise.
func NewLogger(env string) (*zap.Logger, error) {
	switch env {
	case "prod", "production":
		return zap.NewProduction()
	default:
		return zap.NewDevelopment()
	}
}
