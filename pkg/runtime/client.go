// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime emulates an accelerator on the CPU: a launch runs a grid of cubes, each cube a set of
// units (one goroutine each) organized in planes, sharing the cube's shared memory and barriers.
//
// It offers the only two things the matmul pipeline needs from a device: a capability query
// (Client.FeatureSupported, Client.MaxSharedMemorySize) and Client.Launch.
package runtime

import (
	"fmt"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/stagemm/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceName is the only device implemented: units emulated by goroutines.
const DeviceName = "cpu"

// STAGEMM_DEVICE is the environment variable with the default device configuration to use.
//
// See NewWithConfig for the format of the configuration string.
const STAGEMM_DEVICE = "STAGEMM_DEVICE"

// DefaultConfig is the device configuration used by New if STAGEMM_DEVICE is not set.
var DefaultConfig string

// Properties of a device, used by availability checks and to validate launches.
type Properties struct {
	// PlaneDim is the number of units per plane.
	PlaneDim int

	// MaxSharedMemorySize is the number of bytes of shared memory available to a cube.
	MaxSharedMemorySize int

	// MaxUnitsPerCube is the maximum number of units (PlaneDim * number of planes) in a cube.
	MaxUnitsPerCube int
}

// DefaultProperties of the emulated device.
var DefaultProperties = Properties{
	PlaneDim:            32,
	MaxSharedMemorySize: 48 * 1024,
	MaxUnitsPerCube:     1024,
}

// Client is a handle to the emulated device. It is safe for concurrent use.
type Client struct {
	props        Properties
	capabilities Capabilities
	pool         *workerspool.Pool
}

// Option configures a Client at construction.
type Option func(c *Client)

// WithPlaneDim sets the number of units per plane.
func WithPlaneDim(planeDim int) Option {
	return func(c *Client) { c.props.PlaneDim = planeDim }
}

// WithMaxSharedMemory sets the number of bytes of shared memory available per cube.
func WithMaxSharedMemory(bytes int) Option {
	return func(c *Client) { c.props.MaxSharedMemorySize = bytes }
}

// WithMaxUnitsPerCube sets the maximum number of units in a cube.
func WithMaxUnitsPerCube(units int) Option {
	return func(c *Client) { c.props.MaxUnitsPerCube = units }
}

// WithFeatures replaces the capabilities of the device.
func WithFeatures(capabilities Capabilities) Option {
	return func(c *Client) { c.capabilities = capabilities.Clone() }
}

// WithoutFeature removes one feature from the device capabilities.
func WithoutFeature(f Feature) Option {
	return func(c *Client) { delete(c.capabilities.Features, f) }
}

// WithMaxParallelism sets the number of cubes executed concurrently.
// See workerspool.Pool.SetMaxParallelism for the meaning of 0 and negative values.
func WithMaxParallelism(parallelism int) Option {
	return func(c *Client) { c.pool.SetMaxParallelism(parallelism) }
}

// NewClient creates a Client with the default properties and capabilities, modified by the options.
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		props:        DefaultProperties,
		capabilities: DefaultCapabilities(),
		pool:         workerspool.New(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.props.PlaneDim <= 0 || c.props.MaxUnitsPerCube <= 0 || c.props.MaxSharedMemorySize <= 0 {
		return nil, errors.Errorf("invalid device properties %+v: all values must be positive", c.props)
	}
	if c.props.MaxUnitsPerCube < c.props.PlaneDim {
		return nil, errors.Errorf("invalid device properties %+v: a cube must hold at least one plane", c.props)
	}
	return c, nil
}

// New returns a Client configured by the environment variable STAGEMM_DEVICE, if set,
// or else by DefaultConfig.
func New() (*Client, error) {
	if config, found := os.LookupEnv(STAGEMM_DEVICE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates a Client from a configuration string formatted as "<device>:<options>",
// where "<device>:" is optional and must be "cpu", and "<options>" is a comma-separated list of
// "key=value" pairs:
//
//   - plane: number of units per plane, e.g. "plane=32".
//   - smem: shared memory per cube, accepts humanized sizes, e.g. "smem=48KiB" or "smem=64k".
//   - units: maximum number of units per cube.
//   - parallelism: number of cubes executed concurrently, 0 to run them sequentially, -1 for unlimited.
//   - async: "true" or "false", whether asynchronous copies are supported.
//
// Unknown keys are an error.
func NewWithConfig(config string) (*Client, error) {
	deviceConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		if name := config[:idx]; name != DeviceName {
			return nil, errors.Errorf("unknown device %q in configuration %q, only %q is available", name, config, DeviceName)
		}
		deviceConfig = config[idx+1:]
	}
	var options []Option
	for _, part := range strings.Split(deviceConfig, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid option %q in device configuration %q, expected key=value", part, config)
		}
		option, err := parseOption(key, value)
		if err != nil {
			return nil, errors.WithMessagef(err, "device configuration %q", config)
		}
		options = append(options, option)
	}
	c, err := NewClient(options...)
	if err != nil {
		return nil, errors.WithMessagef(err, "device configuration %q", config)
	}
	klog.V(1).Infof("created device %s", c)
	return c, nil
}

func parseOption(key, value string) (Option, error) {
	switch key {
	case "plane", "units", "parallelism":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, errors.Wrapf(err, "option %q requires an integer", key)
		}
		switch key {
		case "plane":
			return WithPlaneDim(n), nil
		case "units":
			return WithMaxUnitsPerCube(n), nil
		default:
			return WithMaxParallelism(n), nil
		}
	case "smem":
		bytes, err := humanize.ParseBytes(value)
		if err != nil {
			return nil, errors.Wrapf(err, "option %q requires a size in bytes", key)
		}
		return WithMaxSharedMemory(int(bytes)), nil
	case "async":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return nil, errors.Wrapf(err, "option %q requires a boolean", key)
		}
		if enabled {
			return func(c *Client) { c.capabilities.Features[AsyncCopyFeature()] = true }, nil
		}
		return WithoutFeature(AsyncCopyFeature()), nil
	default:
		return nil, errors.Errorf("unknown device option %q", key)
	}
}

// Properties of the device.
func (c *Client) Properties() Properties { return c.props }

// Capabilities returns a copy of the device capabilities.
func (c *Client) Capabilities() Capabilities { return c.capabilities.Clone() }

// FeatureSupported returns whether the device supports the feature.
func (c *Client) FeatureSupported(f Feature) bool { return c.capabilities.Features[f] }

// MaxSharedMemorySize returns the number of bytes of shared memory available to each cube.
func (c *Client) MaxSharedMemorySize() int { return c.props.MaxSharedMemorySize }

// PlaneDim returns the number of units per plane.
func (c *Client) PlaneDim() int { return c.props.PlaneDim }

// String implements fmt.Stringer.
func (c *Client) String() string {
	return fmt.Sprintf("%s(plane=%d, smem=%s, units=%d, parallelism=%d, cpus=%d)", DeviceName,
		c.props.PlaneDim, humanize.IBytes(uint64(c.props.MaxSharedMemorySize)), c.props.MaxUnitsPerCube,
		c.pool.MaxParallelism(), goruntime.NumCPU())
}
