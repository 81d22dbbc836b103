package main

import (
	"context"
	"os"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/models"
	"github.com/sirupsen/logrus"
)

// Seeds the chart of accounts and runs migrations, for deployments
// that start the API with SKIP_MIGRATIONS=true.
func main() {
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()

	if err := models.MigrateTable(); err != nil {
		logger.WithFields(logrus.Fields{"field": "seed-accounts"}).Error("migration failed: " + err.Error())
		os.Exit(1)
	}
	if err := models.SeedSystemAccounts(context.Background()); err != nil {
		logger.WithFields(logrus.Fields{"field": "seed-accounts"}).Error("seeding failed: " + err.Error())
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{"field": "seed-accounts"}).Info("chart of accounts ready")
}
