// services/scheduler.go
package services

import (
	"log"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// MaintenanceScheduler runs the background jobs: session-record retention
// pruning and the nightly abuse audit export.
type MaintenanceScheduler struct {
	DB        *gorm.DB
	Retention time.Duration
	Audit     *AuditExporter
}

func NewMaintenanceScheduler(db *gorm.DB, audit *AuditExporter) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		DB:        db,
		Retention: time.Duration(envInt("SESSION_RETENTION_DAYS", 90)) * 24 * time.Hour,
		Audit:     audit,
	}
}

func (m *MaintenanceScheduler) Start() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("[Scheduler] Failed to create scheduler: %v", err)
		return
	}
	sched.Start()

	// Hourly: prune session records past retention. Sessions older than the
	// retention floor can no longer match in the IP collusion check.
	if _, err := sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			cutoff := time.Now().Add(-m.Retention)
			res := m.DB.Where("created_at < ?", cutoff).Delete(&models.SessionRecord{})
			if res.Error != nil {
				log.Printf("[Scheduler] Session prune failed: %v", res.Error)
				return
			}
			if res.RowsAffected > 0 {
				log.Printf("🧹 Pruned %d session records older than %s", res.RowsAffected, cutoff.Format("2006-01-02"))
			}
		}),
	); err != nil {
		log.Printf("[Scheduler] Failed to schedule session prune: %v", err)
	}

	// Nightly: export the previous day's withheld activations for review.
	if _, err := sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 10, 0))),
		gocron.NewTask(func() {
			day := time.Now().UTC().AddDate(0, 0, -1)
			if err := m.Audit.ExportDay(day); err != nil {
				log.Printf("[Scheduler] Audit export failed: %v", err)
			}
		}),
	); err != nil {
		log.Printf("[Scheduler] Failed to schedule audit export: %v", err)
	}
}
