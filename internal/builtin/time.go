/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package builtin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seatunnel/loops/internal/loop"
)

type timeLoop struct{}

func timeOptions(opts loop.Options) (period time.Duration, layout string, err error) {
	if period, err = opts.Seconds("period", time.Second); err != nil {
		return 0, "", err
	}
	if layout, err = opts.String("format", time.RFC3339); err != nil {
		return 0, "", err
	}
	return period, layout, nil
}

func validateTime(opts loop.Options) error {
	_, _, err := timeOptions(opts)
	return err
}

func (l *timeLoop) Run(ctx context.Context, rt *loop.Runtime) error {
	period, layout, err := timeOptions(rt.Options())
	if err != nil {
		return err
	}
	return rt.WithPeriodOf(period, func(ctx context.Context) error {
		rt.Logger().Info("Current time", zap.String("time", time.Now().Format(layout)))
		return nil
	})
}
