// Licensed under the MIT License. See LICENSE file in the project root for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParse(t *testing.T) {
	Convey("Given an empty configuration", t, func() {
		cfg, err := Parse(nil)
		So(err, ShouldBeNil)
		So(cfg, ShouldResemble, Default())
	})

	Convey("Given a partial configuration", t, func() {
		cfg, err := Parse([]byte(`
[discard]
naptime = 250ms

[log]
level = debug
format = JSON

[storage]
record_cache_entries = 0
`))
		So(err, ShouldBeNil)

		Convey("Set keys override the defaults", func() {
			So(cfg.Discard.Naptime, ShouldEqual, 250*time.Millisecond)
			So(cfg.Log.Level, ShouldEqual, "debug")
			So(cfg.Log.Format, ShouldEqual, "json")
			So(cfg.Storage.RecordCacheEntries, ShouldEqual, int64(0))
		})

		Convey("Missing keys keep the defaults", func() {
			So(cfg.Discard.MaxNaptime, ShouldEqual, 10*time.Second)
			So(cfg.Log.Output, ShouldEqual, "stderr")
			So(cfg.Storage.LogCapacity, ShouldEqual, uint64(1<<20))
			So(cfg.Metrics.BufferSize, ShouldEqual, 10000)
		})
	})

	Convey("Invalid values are errors", t, func() {
		for _, text := range []string{
			"[discard]\nnaptime = soon\n",
			"[discard]\nnaptime = 5s\nmax_naptime = 1s\n",
			"[log]\nformat = xml\n",
			"[log]\nlevel = loud\n",
			"[storage]\nlog_capacity = -1\n",
			"[storage]\nlog_capacity = 0\n",
			"[metrics]\nlatency_samples = 0\n",
		} {
			_, err := Parse([]byte(text))
			So(err, ShouldNotBeNil)
		}
	})
}

func TestLoad(t *testing.T) {
	Convey("Given a configuration file", t, func() {
		path := filepath.Join(t.TempDir(), "undo.ini")
		So(os.WriteFile(path, []byte("[discard]\nmax_naptime = 30s\n"), 0o644), ShouldBeNil)

		cfg, err := Load(path)
		So(err, ShouldBeNil)
		So(cfg.Discard.MaxNaptime, ShouldEqual, 30*time.Second)
	})

	Convey("A missing file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
		So(err, ShouldNotBeNil)
	})
}
