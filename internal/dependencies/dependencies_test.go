package dependencies

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

func TestGetMissingDependencies(t *testing.T) {
	dm := NewDependencyManager(utils.NewDiscardLogsManager())
	dm.lookPath = func(name string) (string, error) {
		if name == "gdal_translate" {
			return "/usr/bin/gdal_translate", nil
		}
		return "", errors.New("executable file not found in $PATH")
	}

	components := []*types.ProcessingComponent{
		{ID: "translate", Kind: types.ComponentKindCommand, Command: "gdal_translate -of COG {scene} {work_dir}/out.tif"},
		{ID: "ndvi", Kind: types.ComponentKindCommand, Command: "ndvi-calc --red {red}"},
		{ID: "custom", Kind: types.ComponentKindCommand, Command: "{tool} --help"},
		{ID: "broken", Kind: types.ComponentKindCommand, Command: `"unterminated`},
		{ID: "fetch", Kind: types.ComponentKindAcquisition},
	}

	missing := dm.GetMissingDependencies(components)
	if assert.Len(t, missing, 2) {
		assert.Equal(t, "ndvi", missing[0].ComponentID)
		assert.Equal(t, "ndvi-calc", missing[0].Executable)
		assert.Equal(t, "broken", missing[1].ComponentID)
	}

	assert.False(t, dm.CheckDependencies(components))
	assert.True(t, dm.CheckDependencies(components[:1]))
}
