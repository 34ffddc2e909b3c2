// Package config provides configuration types and loading for the cache service.
//
// Configuration is read from an optional YAML file. ${VAR} and ${VAR:-default}
// references in the file are substituted from the environment. CACHE_*
// environment variables are applied on top, so a deployment can run on
// environment variables alone.
//
// Recognised environment variables:
//
//	CACHE_REDIS_URL, CACHE_KEY_PREFIX, CACHE_DEFAULT_TTL
//	CACHE_L1_ENABLED, CACHE_L1_MAX_SIZE, CACHE_L1_TTL
//	CACHE_L2_ENABLED, CACHE_L2_TTL, CACHE_L2_TIMEOUT
//	CACHE_MONITORING_ENABLED, CACHE_MONITORING_INTERVAL
//	CACHE_ALERT_HIT_RATIO, CACHE_ALERT_RESPONSE_TIME, CACHE_ALERT_ERROR_RATE
//	CACHE_ALERT_WEBHOOK_URL
//	CACHE_BACKUP_ENABLED, CACHE_BACKUP_INTERVAL, CACHE_BACKUP_RETENTION, CACHE_BACKUP_DIR
//	CACHE_BACKUP_S3_BUCKET, CACHE_BACKUP_S3_REGION, CACHE_BACKUP_S3_ENDPOINT
//	CACHE_BACKUP_S3_ACCESS_KEY_ID, CACHE_BACKUP_S3_SECRET_ACCESS_KEY
//	CACHE_WARMING_ENABLED, CACHE_WARMING_INTERVAL, CACHE_WARMING_STRATEGIES
//	CACHE_WARMING_BATCH_SIZE, CACHE_WARMING_RATE, CACHE_WARMING_KEYS
//	CACHE_HTTP_ADDR
package config
