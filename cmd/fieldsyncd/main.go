package main

import (
	"flag"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"

	fieldsync "github.com/fieldline/fieldsync"
	"github.com/fieldline/fieldsync/geo"
)

var (
	flagBindAddr  = flag.String("port", ":8019", "Bind address")
	flagPostgres  = flag.String("db", "user=postgres dbname=fieldsync sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagUploadURL = flag.String("uploads", "", "Base URL media uploads are directed to")
	flagPageSize  = flag.Int("page-size", 0, "Max server changes per entity family per sync call (0 = default)")
	flagHolidays  = flag.String("holidays", "", "Comma-separated double-time holiday dates, e.g. 2026-12-25,2026-01-01")
	flagWeekendDT = flag.Bool("weekend-double-time", false, "Reclassify weekend overtime as double-time")
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()
	postgresURI := envOr("FIELDSYNC_DB", *flagPostgres)
	uploadURL := envOr("FIELDSYNC_UPLOAD_URL", *flagUploadURL)
	if uploadURL == "" {
		flag.Usage()
		os.Exit(1)
	}

	if dsn := os.Getenv("FIELDSYNC_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			os.Stderr.WriteString("failed to init sentry: " + err.Error() + "\n")
			os.Exit(1)
		}
	}

	var holidays []string
	if *flagHolidays != "" {
		holidays = strings.Split(*flagHolidays, ",")
	}

	fieldsync.RunServer(fieldsync.Config{
		BindAddr:             envOr("FIELDSYNC_BINDADDR", *flagBindAddr),
		PostgresURI:          postgresURI,
		UploadBaseURL:        uploadURL,
		PageSize:             *flagPageSize,
		Geofence:             geo.DefaultConfig(),
		DoubleTimeOnWeekends: *flagWeekendDT,
		Holidays:             holidays,
	})
}
