// File: internal/topology/config.go
// Brief: Topology configuration, defaults and validation.

package topology

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/distribution/reference"
)

// Config carries every tunable of the declared topology. DefaultConfig
// reproduces the reference deployment.
type Config struct {
	StackName   string `yaml:"stackName"`
	Description string `yaml:"description"`

	Network      NetworkConfig      `yaml:"network"`
	Security     SecurityConfig     `yaml:"security"`
	Secret       SecretConfig       `yaml:"secret"`
	Database     DatabaseConfig     `yaml:"database"`
	App          AppConfig          `yaml:"app"`
	Client       ClientConfig       `yaml:"client"`
	Scaling      ScalingConfig      `yaml:"scaling"`
	LoadBalancer LoadBalancerConfig `yaml:"loadBalancer"`
	Tags         map[string]string  `yaml:"tags"`
}

type NetworkConfig struct {
	CIDR        string `yaml:"cidr"`
	MaxAZs      int    `yaml:"maxAzs"`
	SubnetMask  int    `yaml:"subnetMask"`
	NATGateways int    `yaml:"natGateways"`
}

type SecurityConfig struct {
	// EgressPort is the single outbound port the app tier may use towards the
	// internet (registry pulls, secret fetches).
	EgressPort int `yaml:"egressPort"`
}

type SecretConfig struct {
	Username           string `yaml:"username"`
	PasswordKey        string `yaml:"passwordKey"`
	UsernameKey        string `yaml:"usernameKey"`
	ExcludePunctuation bool   `yaml:"excludePunctuation"`
	IncludeSpace       bool   `yaml:"includeSpace"`
	PasswordLength     int    `yaml:"passwordLength"`
}

type DatabaseConfig struct {
	Identifier          string   `yaml:"identifier"`
	Engine              string   `yaml:"engine"`
	EngineVersion       string   `yaml:"engineVersion"`
	InstanceClass       string   `yaml:"instanceClass"`
	AllocatedStorageGiB int      `yaml:"allocatedStorageGiB"`
	Name                string   `yaml:"name"`
	Port                int      `yaml:"port"`
	LogExports          []string `yaml:"logExports"`
	LogRetentionDays    int      `yaml:"logRetentionDays"`
	RemovalPolicy       string   `yaml:"removalPolicy"`
}

type TaskConfig struct {
	CPU       int `yaml:"cpu"`
	MemoryMiB int `yaml:"memoryMiB"`
	// ContainerMemoryMiB is the hard container limit; 0 leaves it to the task.
	ContainerMemoryMiB int    `yaml:"containerMemoryMiB"`
	LogStreamPrefix    string `yaml:"logStreamPrefix"`
	LogRetentionDays   int    `yaml:"logRetentionDays"`
	DesiredCount       int    `yaml:"desiredCount"`
	EnableExec         bool   `yaml:"enableExec"`
}

type AppConfig struct {
	TaskConfig             `yaml:",inline"`
	Repository             string        `yaml:"repository"`
	Tag                    string        `yaml:"tag"`
	ContainerPort          int           `yaml:"containerPort"`
	DBDriver               string        `yaml:"dbDriver"`
	HealthCheckGracePeriod time.Duration `yaml:"healthCheckGracePeriod"`
}

type ClientConfig struct {
	TaskConfig `yaml:",inline"`
	Image      string   `yaml:"image"`
	Command    []string `yaml:"command"`
}

type ScalingConfig struct {
	MinCapacity          int `yaml:"minCapacity"`
	MaxCapacity          int `yaml:"maxCapacity"`
	CPUTargetPercent     int `yaml:"cpuTargetPercent"`
	MemoryTargetPercent  int `yaml:"memoryTargetPercent"`
	ScaleInCooldownSecs  int `yaml:"scaleInCooldownSeconds"`
	ScaleOutCooldownSecs int `yaml:"scaleOutCooldownSeconds"`
}

type LoadBalancerConfig struct {
	ListenerPort int               `yaml:"listenerPort"`
	HealthCheck  HealthCheckConfig `yaml:"healthCheck"`
}

type HealthCheckConfig struct {
	Path               string        `yaml:"path"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthyThreshold"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	HealthyHTTPCodes   string        `yaml:"healthyHttpCodes"`
}

// DefaultConfig returns the reference topology.
func DefaultConfig() Config {
	return Config{
		StackName:   "el-blog-cdk",
		Description: "LAMP application on Fargate with MySQL on RDS",
		Network: NetworkConfig{
			CIDR:        "10.0.0.0/16",
			MaxAZs:      2,
			SubnetMask:  24,
			NATGateways: 2,
		},
		Security: SecurityConfig{EgressPort: 443},
		Secret: SecretConfig{
			Username:           "admin",
			UsernameKey:        "username",
			PasswordKey:        "password",
			ExcludePunctuation: true,
			IncludeSpace:       false,
			PasswordLength:     32,
		},
		Database: DatabaseConfig{
			Engine:              "mysql",
			EngineVersion:       "8.0.36",
			InstanceClass:       "db.t3.micro",
			AllocatedStorageGiB: 20,
			Name:                "maindb",
			Port:                3306,
			LogExports:          []string{"error", "slowquery"},
			LogRetentionDays:    30,
			RemovalPolicy:       RemovalDestroy,
		},
		App: AppConfig{
			TaskConfig: TaskConfig{
				CPU:                512,
				MemoryMiB:          1024,
				ContainerMemoryMiB: 512,
				LogStreamPrefix:    "ecs",
				LogRetentionDays:   30,
				DesiredCount:       1,
				EnableExec:         true,
			},
			Repository:             "el-blog-repo",
			Tag:                    "latest",
			ContainerPort:          80,
			DBDriver:               "mysql",
			HealthCheckGracePeriod: 3 * time.Minute,
		},
		Client: ClientConfig{
			TaskConfig: TaskConfig{
				CPU:              256,
				MemoryMiB:        512,
				LogStreamPrefix:  "mysql-client",
				LogRetentionDays: 30,
				DesiredCount:     0,
				EnableExec:       true,
			},
			Image:   "mysql:8.0",
			Command: []string{"sleep", "infinity"},
		},
		Scaling: ScalingConfig{
			MinCapacity:         2,
			MaxCapacity:         5,
			CPUTargetPercent:    70,
			MemoryTargetPercent: 75,
		},
		LoadBalancer: LoadBalancerConfig{
			ListenerPort: 80,
			HealthCheck: HealthCheckConfig{
				Path:               "/",
				Interval:           60 * time.Second,
				Timeout:            10 * time.Second,
				HealthyThreshold:   2,
				UnhealthyThreshold: 3,
				HealthyHTTPCodes:   "200",
			},
		},
	}
}

// Removal policies for the database. They map onto CloudFormation deletion policies.
const (
	RemovalDestroy  = "Delete"
	RemovalRetain   = "Retain"
	RemovalSnapshot = "Snapshot"
)

var (
	stackNamePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{0,127}$`)
	dbNamePattern      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
	secretKeyPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	repositoryPattern  = regexp.MustCompile(`^[a-z0-9]+(?:[._/-][a-z0-9]+)*$`)
	fargateMemoryByCPU = map[int][2]int{
		256:  {512, 2048},
		512:  {1024, 4096},
		1024: {2048, 8192},
		2048: {4096, 16384},
		4096: {8192, 30720},
	}
)

// Validate rejects configurations that cannot describe a consistent topology.
// Checks that need the account (quotas, AZ availability) stay with the engine.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !stackNamePattern.MatchString(c.StackName) {
		add("stackName %q must start with a letter and contain only letters, digits and hyphens", c.StackName)
	}

	prefix, err := netip.ParsePrefix(c.Network.CIDR)
	switch {
	case err != nil:
		add("network.cidr: %v", err)
	case !prefix.Addr().Is4():
		add("network.cidr %s must be IPv4", c.Network.CIDR)
	case prefix.Masked() != prefix:
		add("network.cidr %s has host bits set", c.Network.CIDR)
	case prefix.Bits() < 16 || prefix.Bits() > 28:
		add("network.cidr %s must have a /16../28 mask", c.Network.CIDR)
	}
	if c.Network.MaxAZs < 1 || c.Network.MaxAZs > 6 {
		add("network.maxAzs must be between 1 and 6, got %d", c.Network.MaxAZs)
	}
	if c.Network.SubnetMask < 16 || c.Network.SubnetMask > 28 {
		add("network.subnetMask must be between 16 and 28, got %d", c.Network.SubnetMask)
	}
	if c.Network.NATGateways < 1 || c.Network.NATGateways > c.Network.MaxAZs {
		add("network.natGateways must be between 1 and maxAzs (%d), got %d", c.Network.MaxAZs, c.Network.NATGateways)
	}

	checkPort := func(name string, port int) {
		if port < 1 || port > 65535 {
			add("%s must be a TCP port, got %d", name, port)
		}
	}
	checkPort("security.egressPort", c.Security.EgressPort)
	checkPort("database.port", c.Database.Port)
	checkPort("app.containerPort", c.App.ContainerPort)
	checkPort("loadBalancer.listenerPort", c.LoadBalancer.ListenerPort)
	if c.Security.EgressPort == c.Database.Port {
		add("security.egressPort must differ from database.port (%d)", c.Database.Port)
	}

	if strings.TrimSpace(c.Secret.Username) == "" {
		add("secret.username is required")
	}
	if !secretKeyPattern.MatchString(c.Secret.UsernameKey) || !secretKeyPattern.MatchString(c.Secret.PasswordKey) {
		add("secret keys must be identifiers, got %q and %q", c.Secret.UsernameKey, c.Secret.PasswordKey)
	}
	if c.Secret.UsernameKey == c.Secret.PasswordKey {
		add("secret.usernameKey and secret.passwordKey must differ")
	}
	if c.Secret.PasswordLength < 8 || c.Secret.PasswordLength > 41 {
		add("secret.passwordLength must be between 8 and 41 for MySQL, got %d", c.Secret.PasswordLength)
	}

	if c.Database.Engine == "" || c.Database.EngineVersion == "" || c.Database.InstanceClass == "" {
		add("database engine, engineVersion and instanceClass are required")
	}
	if !strings.HasPrefix(c.Database.InstanceClass, "db.") {
		add("database.instanceClass %q must start with db.", c.Database.InstanceClass)
	}
	if c.Database.AllocatedStorageGiB < 20 || c.Database.AllocatedStorageGiB > 65536 {
		add("database.allocatedStorageGiB must be between 20 and 65536, got %d", c.Database.AllocatedStorageGiB)
	}
	if !dbNamePattern.MatchString(c.Database.Name) {
		add("database.name %q is not a valid MySQL database name", c.Database.Name)
	}
	if c.Database.Identifier != "" && !stackNamePattern.MatchString(c.Database.Identifier) {
		add("database.identifier %q is invalid", c.Database.Identifier)
	}
	if !validRetentionDays(c.Database.LogRetentionDays) {
		add("database.logRetentionDays %d is not a CloudWatch retention value", c.Database.LogRetentionDays)
	}
	for _, l := range c.Database.LogExports {
		switch l {
		case "audit", "error", "general", "slowquery":
		default:
			add("database.logExports: unknown MySQL log %q", l)
		}
	}
	switch c.Database.RemovalPolicy {
	case RemovalDestroy, RemovalRetain, RemovalSnapshot:
	default:
		add("database.removalPolicy must be Delete, Retain or Snapshot, got %q", c.Database.RemovalPolicy)
	}

	checkTask := func(name string, t TaskConfig) {
		limits, ok := fargateMemoryByCPU[t.CPU]
		if !ok {
			add("%s.cpu %d is not a Fargate CPU value", name, t.CPU)
		} else if t.MemoryMiB < limits[0] || t.MemoryMiB > limits[1] {
			add("%s.memoryMiB %d is outside %d..%d for cpu %d", name, t.MemoryMiB, limits[0], limits[1], t.CPU)
		}
		if t.ContainerMemoryMiB < 0 || t.ContainerMemoryMiB > t.MemoryMiB {
			add("%s.containerMemoryMiB %d exceeds task memory %d", name, t.ContainerMemoryMiB, t.MemoryMiB)
		}
		if t.DesiredCount < 0 {
			add("%s.desiredCount must not be negative", name)
		}
		if strings.TrimSpace(t.LogStreamPrefix) == "" {
			add("%s.logStreamPrefix is required", name)
		}
		if !validRetentionDays(t.LogRetentionDays) {
			add("%s.logRetentionDays %d is not a CloudWatch retention value", name, t.LogRetentionDays)
		}
	}
	checkTask("app", c.App.TaskConfig)
	checkTask("client", c.Client.TaskConfig)
	if !repositoryPattern.MatchString(c.App.Repository) {
		add("app.repository %q is not a valid repository name", c.App.Repository)
	}
	if _, err := reference.ParseNormalizedNamed(c.App.Repository + ":" + c.App.Tag); err != nil {
		add("app image %s:%s: %v", c.App.Repository, c.App.Tag, err)
	}
	if _, err := reference.ParseNormalizedNamed(c.Client.Image); err != nil {
		add("client.image %q: %v", c.Client.Image, err)
	}
	if c.App.HealthCheckGracePeriod < 0 {
		add("app.healthCheckGracePeriod must not be negative")
	}

	if c.Scaling.MinCapacity < 0 {
		add("scaling.minCapacity must not be negative")
	}
	if c.Scaling.MinCapacity > c.Scaling.MaxCapacity {
		add("scaling.minCapacity %d exceeds maxCapacity %d", c.Scaling.MinCapacity, c.Scaling.MaxCapacity)
	}
	for name, v := range map[string]int{"cpuTargetPercent": c.Scaling.CPUTargetPercent, "memoryTargetPercent": c.Scaling.MemoryTargetPercent} {
		if v <= 0 || v > 100 {
			add("scaling.%s must be in (0,100], got %d", name, v)
		}
	}

	hc := c.LoadBalancer.HealthCheck
	if !strings.HasPrefix(hc.Path, "/") {
		add("loadBalancer.healthCheck.path must start with /")
	}
	if hc.Interval < 5*time.Second || hc.Interval > 300*time.Second {
		add("loadBalancer.healthCheck.interval must be 5s..300s, got %s", hc.Interval)
	}
	if hc.Timeout < 2*time.Second || hc.Timeout > 120*time.Second || hc.Timeout >= hc.Interval {
		add("loadBalancer.healthCheck.timeout must be 2s..120s and below the interval, got %s", hc.Timeout)
	}
	if hc.Interval%time.Second != 0 || hc.Timeout%time.Second != 0 {
		add("loadBalancer.healthCheck interval and timeout must be whole seconds")
	}
	if hc.HealthyThreshold < 2 || hc.HealthyThreshold > 10 || hc.UnhealthyThreshold < 2 || hc.UnhealthyThreshold > 10 {
		add("loadBalancer.healthCheck thresholds must be between 2 and 10")
	}
	if strings.TrimSpace(hc.HealthyHTTPCodes) == "" {
		add("loadBalancer.healthCheck.healthyHttpCodes is required")
	}
	return errors.Join(errs...)
}

var retentionDays = map[int]struct{}{
	1: {}, 3: {}, 5: {}, 7: {}, 14: {}, 30: {}, 60: {}, 90: {}, 120: {}, 150: {}, 180: {},
	365: {}, 400: {}, 545: {}, 731: {}, 1096: {}, 1827: {}, 2192: {}, 2557: {}, 2922: {}, 3288: {}, 3653: {},
}

func validRetentionDays(d int) bool {
	_, ok := retentionDays[d]
	return ok
}

// DatabaseIdentifier is the instance identifier; it also names the RDS log groups.
func (c Config) DatabaseIdentifier() string {
	if c.Database.Identifier != "" {
		return strings.ToLower(c.Database.Identifier)
	}
	return strings.ToLower(c.StackName) + "-" + strings.ToLower(c.Database.Name)
}
