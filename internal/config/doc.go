// Package config loads the gateway configuration.
//
// A configuration file is YAML. ${VAR} and ${VAR:-default} are replaced with
// environment values before decoding, and $$ escapes a literal dollar sign.
// Unset fields take defaults, then the whole snapshot is validated and every
// invalid field is reported at once in a *ValidationError.
//
// A Watcher reloads the file when it changes:
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    core.Reload(cfg)
//	})
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
package config
