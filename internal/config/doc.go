// Package config loads and watches the alert-bridge configuration file
// (config.yaml).
//
// Config fields:
//   - Server.HTTPPort         port for the webhook, API, metrics and WebSocket (default 8000)
//   - Server.ShutdownTimeout  drain time for in-flight requests (default 10s)
//   - Server.EnableAdmin      registers DELETE /api/v1/failed (default false)
//   - Broker.*                RabbitMQ host, port, credentials, vhost, exchange,
//     publish timeout (10s) and reconnect interval (5s)
//   - Retry.InitialDelay      grace period before the first retry cycle (default 30s)
//   - Retry.Interval          sleep between retry cycles (default 5m)
//   - Retry.MaxAttempts       retry ceiling per stored alert (default 0, unbounded)
//   - Store.Path              failed-alert file (default ./failed_alerts/failed_alerts.json)
//   - Store.MaxRecords        cap on stored alerts (default 0, unbounded)
//   - Log.Level, Log.Format   debug|info|warn|error and auto|json|text
//   - Status.Interval         WebSocket status broadcast period (default 5s)
//
// Load(path) applies defaults before unmarshalling, then the environment
// overrides RABBITMQ_HOST, EXCHANGE_NAME, FAILED_ALERTS_FILE and LOG_LEVEL,
// then validates. An empty path loads defaults and environment only.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config.
package config
