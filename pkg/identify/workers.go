/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package identify

import (
	"context"
	"sync"
	"time"

	"github.com/meshforge/meshbridge/pkg/models"
)

// Result pairs a candidate device with its handshake outcome.
type Result struct {
	Device   models.Device
	Identity models.NodeIdentity
	Err      error
}

// IdentifyAll runs the handshake against every device through a bounded
// worker pool so one slow or faulty device cannot stall discovery of the
// others. Results arrive on the returned channel in completion order; the
// channel closes when all handshakes are done or the context is canceled.
func (i *Identifier) IdentifyAll(ctx context.Context, devices []models.Device, timeout time.Duration, concurrency int) <-chan Result {
	if concurrency < 1 {
		concurrency = 1
	}

	if concurrency > len(devices) {
		concurrency = len(devices)
	}

	resultCh := make(chan Result, len(devices))
	workCh := make(chan models.Device)

	var wg sync.WaitGroup

	for w := 0; w < concurrency; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for device := range workCh {
				identity, err := i.Identify(ctx, device, timeout)

				select {
				case <-ctx.Done():
					return
				case resultCh <- Result{Device: device, Identity: identity, Err: err}:
				}
			}
		}()
	}

	go func() {
		defer close(workCh)

		for _, d := range devices {
			select {
			case <-ctx.Done():
				return
			case workCh <- d:
			}
		}
	}()

	go func() {
		wg.Wait()

		close(resultCh)
	}()

	return resultCh
}
