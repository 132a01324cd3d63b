// Copyright 2024 AgentFS Authors
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

// Package cache holds the TTL attribute cache that fronts host stat calls
// for the overlay lower layer. Each lower tree owns its own cache; the
// engine never shares entries between trees.
package cache

import "os"

// Disabled turns every AttrCache into a pass-through. Set with
// AGENTFS_CACHE=0 to rule caching out when chasing stale-attribute bugs.
var Disabled = os.Getenv("AGENTFS_CACHE") == "0"
