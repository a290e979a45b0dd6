package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/composerkit/billing-api/internal/app/api/server"
	"github.com/composerkit/billing-api/internal/app/service/eventlog"
	"github.com/composerkit/billing-api/internal/app/service/reconciler"
	"github.com/composerkit/billing-api/internal/platform/billing"
	"github.com/composerkit/billing-api/internal/platform/db"
	"github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	billing.Module,
	reconciler.Module,
	eventlog.Module,
)
