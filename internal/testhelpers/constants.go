// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"time"
)

// ShortWait bounds a wait for something that is not expected to happen;
// the suite really does sleep this long before moving on, so it is kept
// small.
const ShortWait = 50 * time.Millisecond

// LongWait bounds a wait for something that should already have
// happened. A correct test never sleeps the full duration; the slack is
// there to keep slow machines from producing spurious failures.
const LongWait = 10 * time.Second
