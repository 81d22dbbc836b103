package main

import (
	"context"
	"os"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/models"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"bitbucket.org/mmdatafocus/commerce_backend/workflow"
	"github.com/sirupsen/logrus"
)

// One-shot reclamation sweep for cron/Cloud Scheduler deployments that
// prefer a job over hitting /cron/sweep on the API.
func main() {
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx := utils.SetActorRoleInContext(context.Background(), string(models.ActorRoleSystem))
	ctx = utils.SetUserIdInContext(ctx, models.SystemActorId)

	report, err := workflow.RunReclamationSweep(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "sweeper"}).Error("sweep failed: " + err.Error())
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"field":            "sweeper",
		"skipped":          report.Skipped,
		"expired_payments": report.ExpiredPayments,
		"zombie_orders":    report.ZombieOrders,
	}).Info("sweep completed")
}
