// Package logging is shellbridge's structured logger, a thin layer over
// log/slog.
//
// Every record carries service=shellbridge and the build version. Parts of
// the engine log through Component, which adds component=<name>, so one
// device's trail can be followed across the platform, the process runner
// and the MQTT adapter:
//
//	log := logging.New(cfg.Logging, version)
//	platformLog := log.Component("platform")
//	platformLog.Info("device registered", "device", "Lamp", "type", "Switch")
//
// Output is JSON (default) or text, on stdout or stderr, filtered by level
// (debug, info, warn, error), all from the logging section of config.yaml.
//
// Command lines appear in debug records and in failed workflow step
// warnings. Tools that need credentials should read them from a file rather
// than take them as arguments.
package logging
