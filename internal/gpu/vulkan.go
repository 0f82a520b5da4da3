// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package gpu

// Import Vulkan backend so it registers via init().
import _ "github.com/gogpu/wgpu/hal/vulkan"
