package dependencies

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// Missing is a command component whose executable cannot be found
type Missing struct {
	ComponentID string
	Executable  string
	Reason      string
}

// DependencyManager checks that the executables command components rely on are installed
type DependencyManager struct {
	logger   *utils.LogsManager
	lookPath func(string) (string, error)
}

func NewDependencyManager(logger *utils.LogsManager) *DependencyManager {
	return &DependencyManager{
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// GetMissingDependencies returns the command components that could not start on this host.
// Executables given as a placeholder are resolved per task and are not checked.
func (dm *DependencyManager) GetMissingDependencies(components []*types.ProcessingComponent) []Missing {
	var missing []Missing
	for _, c := range components {
		if c.Kind != types.ComponentKindCommand {
			continue
		}

		argv, err := shlex.Split(c.Command)
		if err != nil || len(argv) == 0 {
			missing = append(missing, Missing{ComponentID: c.ID, Executable: c.Command, Reason: "unparsable command"})
			continue
		}
		if strings.Contains(argv[0], "{") {
			continue
		}
		if _, err := dm.lookPath(argv[0]); err != nil {
			missing = append(missing, Missing{ComponentID: c.ID, Executable: argv[0], Reason: err.Error()})
		}
	}
	return missing
}

// CheckDependencies logs and prints every missing executable. It returns true when nothing is missing.
func (dm *DependencyManager) CheckDependencies(components []*types.ProcessingComponent) bool {
	missing := dm.GetMissingDependencies(components)
	if len(missing) == 0 {
		dm.logger.Info("All command component executables are installed", "dependencies")
		return true
	}

	fmt.Println("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Missing executables for command components:")
	for _, m := range missing {
		fmt.Printf("  %-20s %s (%s)\n", m.ComponentID, m.Executable, m.Reason)
		dm.logger.Warn(fmt.Sprintf("Component %s cannot run: %s: %s", m.ComponentID, m.Executable, m.Reason), "dependencies")
	}
	fmt.Println("Tasks using these components will fail until the executables are installed.")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return false
}
