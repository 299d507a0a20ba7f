// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import "fmt"

// String renders the config for startup logging, the way the teacher logs
// its resolved mount config once at daemon boot.
func (c *Config) String() string {
	return fmt.Sprintf(
		"socket=%s runtime-dir=%s lower-dir=%s backstore=%s(%s) page-size=%d log-severity=%s log-format=%s metrics=%v",
		SocketPathOrDefault(c),
		c.Server.RuntimeDir,
		c.Server.LowerDir,
		c.Backstore.Mode,
		c.Backstore.Root,
		c.FileSystem.PageSizeBytes,
		c.Logging.Severity,
		c.Logging.Format,
		c.Metrics.Enabled,
	)
}
