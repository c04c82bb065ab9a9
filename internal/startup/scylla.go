package startup

import (
	"time"

	"github.com/gocql/gocql"
)

func ConnectScyllaWithRetry(cluster *gocql.ClusterConfig, maxWait time.Duration, logPrefix string) *gocql.Session {
	return mustRetry("scylla", maxWait, logPrefix, cluster.CreateSession)
}
